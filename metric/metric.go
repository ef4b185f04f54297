// Package metric scores predicted label maps against ground truth.
package metric

import (
	"fmt"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

const eps = 1e-6

// binaryOverlap returns |p∩t|, |p| and |t| of the foreground (label > 0) of
// two label tensors.
func binaryOverlap(pred, target *ts.Tensor) (overlap, pSum, tSum float64) {
	pflat := pred.MustView([]int64{-1}, false)
	tflat := target.MustView([]int64{-1}, false)
	p := pflat.MustGt(ts.IntScalar(0), true)
	t := tflat.MustGt(ts.IntScalar(0), true)

	pt := p.MustMul(t, false)
	osum := pt.MustSum(gotch.Double, true)
	ps := p.MustSum(gotch.Double, true)
	tsum := t.MustSum(gotch.Double, true)
	overlap = osum.Float64Values()[0]
	pSum, tSum = ps.Float64Values()[0], tsum.Float64Values()[0]
	osum.MustDrop()
	ps.MustDrop()
	tsum.MustDrop()

	return overlap, pSum, tSum
}

// DiceCoeff is the binary Dice coefficient 2|P∩T| / (|P|+|T|) of the
// foreground of two label tensors.
func DiceCoeff(pred, target *ts.Tensor) float64 {
	overlap, p, t := binaryOverlap(pred, target)
	return (2 * overlap) / (p + t + eps)
}

// IoU is the binary intersection over union of the foreground of two label
// tensors.
func IoU(pred, target *ts.Tensor) float64 {
	overlap, p, t := binaryOverlap(pred, target)
	return overlap / (p + t - overlap + eps)
}

// ConfusionMatrix counts pixels by (target, predicted) class. Labels outside
// [0, numClasses) are ignored.
type ConfusionMatrix struct {
	NumClasses int
	Counts     [][]int64 // Counts[target][pred]
}

// NewConfusionMatrix builds the confusion matrix of two label tensors of equal
// shape.
func NewConfusionMatrix(pred, target *ts.Tensor, numClasses int) (*ConfusionMatrix, error) {
	pv := labels(pred)
	tv := labels(target)
	if len(pv) != len(tv) {
		return nil, fmt.Errorf("label count mismatch: %d predicted, %d target", len(pv), len(tv))
	}

	cm := &ConfusionMatrix{NumClasses: numClasses, Counts: make([][]int64, numClasses)}
	for i := range cm.Counts {
		cm.Counts[i] = make([]int64, numClasses)
	}
	n := int64(numClasses)
	for i := range pv {
		if pv[i] < 0 || pv[i] >= n || tv[i] < 0 || tv[i] >= n {
			continue
		}
		cm.Counts[tv[i]][pv[i]]++
	}

	return cm, nil
}

func labels(x *ts.Tensor) []int64 {
	l := x.MustTotype(gotch.Int64, false)
	vals := l.Int64Values()
	l.MustDrop()
	return vals
}

// ClassIoU returns the intersection over union of every class. A class absent
// from both prediction and target scores 1.
func (cm *ConfusionMatrix) ClassIoU() []float64 {
	out := make([]float64, cm.NumClasses)
	for c := range out {
		tp, fp, fn := cm.class(c)
		if tp+fp+fn == 0 {
			out[c] = 1
			continue
		}
		out[c] = float64(tp) / float64(tp+fp+fn)
	}
	return out
}

// ClassDice returns the Dice coefficient of every class. A class absent from
// both prediction and target scores 1.
func (cm *ConfusionMatrix) ClassDice() []float64 {
	out := make([]float64, cm.NumClasses)
	for c := range out {
		tp, fp, fn := cm.class(c)
		if tp+fp+fn == 0 {
			out[c] = 1
			continue
		}
		out[c] = float64(2*tp) / float64(2*tp+fp+fn)
	}
	return out
}

// PixelAccuracy is the fraction of counted pixels labelled correctly.
func (cm *ConfusionMatrix) PixelAccuracy() float64 {
	var correct, total int64
	for t, row := range cm.Counts {
		for p, n := range row {
			total += n
			if t == p {
				correct += n
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

func (cm *ConfusionMatrix) class(c int) (tp, fp, fn int64) {
	tp = cm.Counts[c][c]
	for k := 0; k < cm.NumClasses; k++ {
		if k == c {
			continue
		}
		fn += cm.Counts[c][k]
		fp += cm.Counts[k][c]
	}
	return tp, fp, fn
}

// JaccardIndex is the mean IoU over numClasses classes.
func JaccardIndex(pred, target *ts.Tensor, numClasses int) float64 {
	cm, err := NewConfusionMatrix(pred, target, numClasses)
	if err != nil {
		return 0
	}
	return mean(cm.ClassIoU())
}

// ClassDice returns the per-class Dice coefficients over numClasses classes.
func ClassDice(pred, target *ts.Tensor, numClasses int) []float64 {
	cm, err := NewConfusionMatrix(pred, target, numClasses)
	if err != nil {
		return nil
	}
	return cm.ClassDice()
}

// PixelAccuracy is the fraction of pixels whose predicted label equals the
// target label.
func PixelAccuracy(pred, target *ts.Tensor) float64 {
	pv, tv := labels(pred), labels(target)
	if len(pv) != len(tv) || len(pv) == 0 {
		return 0
	}
	var correct int
	for i := range pv {
		if pv[i] == tv[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(pv))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
