package checkpoint

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Report summarizes an Apply.
type Report struct {
	Loaded  []string // variable names that received checkpoint values
	Dropped []string // checkpoint keys outside the allow-list
}

// Plan matches a checkpoint against the variables of vs under prefix without
// modifying anything. The allow-list is the set of those variable names with
// the prefix removed; every allow-listed name is required.
func Plan(vs *nn.VarStore, prefix string, src Tensors) (*Report, error) {
	_, report, err := plan(vs.Variables(), prefix, src)
	return report, err
}

// Apply copies the allow-listed tensors of src into the variables of vs under
// prefix. Keys outside the allow-list are dropped. A missing or mis-shaped
// required tensor returns ErrCheckpoint and leaves vs untouched.
func Apply(vs *nn.VarStore, prefix string, src Tensors) (*Report, error) {
	vars := vs.Variables()
	allowed, report, err := plan(vars, prefix, src)
	if err != nil {
		return nil, err
	}

	ts.NoGrad(func() {
		for key, name := range allowed {
			dst := vars[name]
			t := src[key]
			x := ts.MustOfSlice(t.Data).MustView(t.Shape, true).MustTo(dst.MustDevice(), true)
			dst.Copy_(x)
			x.MustDrop()
		}
	})

	for _, key := range report.Dropped {
		slog.Debug("checkpoint tensor dropped", "key", key, "prefix", prefix)
	}
	slog.Debug("checkpoint applied", "prefix", prefix, "loaded", len(report.Loaded), "dropped", len(report.Dropped))

	return report, nil
}

func plan(vars map[string]ts.Tensor, prefix string, src Tensors) (map[string]string, *Report, error) {
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}

	// checkpoint key -> variable name
	allowed := make(map[string]string)
	for name := range vars {
		if strings.HasPrefix(name, prefix) {
			allowed[strings.TrimPrefix(name, prefix)] = name
		}
	}
	if len(allowed) == 0 {
		return nil, nil, fmt.Errorf("%w: model has no variables under %q", ErrCheckpoint, prefix)
	}

	var missing, mismatched []string
	report := &Report{}
	for key, name := range allowed {
		t, ok := src[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		dst := vars[name]
		if want := dst.MustSize(); !sameShape(want, t.Shape) {
			mismatched = append(mismatched, fmt.Sprintf("%s (model %v, checkpoint %v)", key, want, t.Shape))
			continue
		}
		report.Loaded = append(report.Loaded, name)
	}
	for key := range src {
		if _, ok := allowed[key]; !ok {
			report.Dropped = append(report.Dropped, key)
		}
	}
	sort.Strings(missing)
	sort.Strings(mismatched)
	sort.Strings(report.Loaded)
	sort.Strings(report.Dropped)

	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("%w: missing %d of %d required tensors under %q: %s",
			ErrCheckpoint, len(missing), len(allowed), prefix, strings.Join(missing, ", "))
	}
	if len(mismatched) > 0 {
		return nil, nil, fmt.Errorf("%w: incompatible shapes under %q: %s",
			ErrCheckpoint, prefix, strings.Join(mismatched, ", "))
	}

	return allowed, report, nil
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FromVarStore copies the variables of vs under prefix into host tensors keyed
// by their name with the prefix removed.
func FromVarStore(vs *nn.VarStore, prefix string) Tensors {
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}

	out := make(Tensors)
	for name, v := range vs.Variables() {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		key := strings.TrimPrefix(name, prefix)
		x := v.MustTotype(gotch.Float, false)
		out[key] = &Tensor{Name: key, Shape: x.MustSize(), Data: widen(x.Float64Values())}
		x.MustDrop()
	}

	return out
}
