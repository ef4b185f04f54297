package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/sugarme/gotch/nn"

	"github.com/sugarme/swinretina/config"
	"github.com/sugarme/swinretina/swinretina"
)

func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show the configuration, pyramid geometry and parameter counts",
		Args:  cobra.NoArgs,
		RunE:  inspectHandler,
	}
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	vs, _, err := buildModel(cmd, cfg, false)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, "Configuration")
	renderTable([]string{"KEY", "VALUE"}, configRows(cfg))

	fmt.Fprintln(os.Stdout, "\nPyramid")
	renderTable([]string{"LEVEL", "GRID", "TOKENS", "CNN", "SWIN"}, geometryRows(cfg))

	fmt.Fprintln(os.Stdout, "\nParameters")
	renderTable([]string{"PART", "TENSORS", "PARAMETERS"}, parameterRows(vs))

	return nil
}

func renderTable(header []string, data [][]string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func configRows(cfg *config.Config) [][]string {
	return [][]string{
		{"image_size", fmt.Sprint(cfg.ImageSize)},
		{"patch_size", fmt.Sprint(cfg.PatchSize)},
		{"num_classes", fmt.Sprint(cfg.NumClasses)},
		{"cnn_backbone", string(cfg.CNNBackbone)},
		{"swin_depths", fmt.Sprint(cfg.SwinDepths)},
		{"swin_heads", fmt.Sprint(cfg.SwinHeads)},
		{"window_size", fmt.Sprint(cfg.WindowSize)},
		{"cross_depth", fmt.Sprint(cfg.CrossDepth)},
		{"cross_heads", fmt.Sprint(cfg.CrossHeads)},
		{"branch_tokens", fmt.Sprint(cfg.BranchTokens())},
		{"branch_dims", fmt.Sprint(cfg.BranchDims())},
		{"decoder_patch_sizes", fmt.Sprint(cfg.DecoderPatchSizes())},
		{"pretrained_path", cfg.PretrainedPath},
		{"swin_pretrained_path", cfg.SwinPretrainedPath},
	}
}

func geometryRows(cfg *config.Config) [][]string {
	res := cfg.LevelResolutions()
	tokens := cfg.LevelTokens()

	var data [][]string
	for i := 0; i < 4; i++ {
		data = append(data, []string{
			fmt.Sprint(i + 1),
			fmt.Sprintf("%dx%d", res[i], res[i]),
			fmt.Sprint(tokens[i]),
			fmt.Sprint(cfg.CNNPyramidFM[i]),
			fmt.Sprint(cfg.SwinPyramidFM[i]),
		})
	}
	return data
}

// parts assigns each variable to the first part whose prefix it carries.
var parts = []struct{ name, prefix string }{
	{"backbone", swinretina.BackbonePrefix},
	{"swin", swinretina.SwinPrefix},
	{"pyramid", "All2Cross.pyramid"},
	{"cross attention", "All2Cross"},
	{"decoder", ""},
}

func parameterRows(vs *nn.VarStore) [][]string {
	tensors := make([]int, len(parts))
	params := make([]int64, len(parts))

	vars := vs.Variables()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var total int64
	for _, name := range names {
		v := vars[name]
		n := int64(1)
		for _, d := range v.MustSize() {
			n *= d
		}
		total += n
		for i, p := range parts {
			if strings.HasPrefix(name, p.prefix) {
				tensors[i]++
				params[i] += n
				break
			}
		}
	}

	var data [][]string
	for i, p := range parts {
		data = append(data, []string{p.name, fmt.Sprint(tensors[i]), fmt.Sprint(params[i])})
	}
	data = append(data, []string{"total", fmt.Sprint(len(names)), fmt.Sprint(total)})

	return data
}
