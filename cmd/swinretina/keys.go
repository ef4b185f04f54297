package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sugarme/swinretina/checkpoint"
	"github.com/sugarme/swinretina/swinretina"
)

func NewKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys CHECKPOINT",
		Short: "List checkpoint tensors and whether the model accepts them",
		Args:  cobra.ExactArgs(1),
		RunE:  keysHandler,
	}

	cmd.Flags().String("prefix", "", fmt.Sprintf("model prefix of the checkpoint keys (e.g. %s)", swinretina.SwinPrefix))
	cmd.Flags().Bool("full", false, "checkpoint is a trained SwinRetina (rename backbone keys)")

	return cmd
}

func keysHandler(cmd *cobra.Command, args []string) error {
	prefix, _ := cmd.Flags().GetString("prefix")
	full, _ := cmd.Flags().GetBool("full")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tensors, err := checkpoint.Read(args[0])
	if err != nil {
		return err
	}
	if full {
		tensors = swinretina.CanonicalNames(tensors)
	}

	vs, _, err := buildModel(cmd, cfg, false)
	if err != nil {
		return err
	}
	vars := vs.Variables()

	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}

	var data [][]string
	seen := make(map[string]bool)
	for _, key := range tensors.Names() {
		t := tensors[key]
		status := "dropped"
		if v, ok := vars[prefix+key]; ok {
			seen[prefix+key] = true
			status = "ok"
			if got := v.MustSize(); fmt.Sprint(got) != fmt.Sprint(t.Shape) {
				status = fmt.Sprintf("shape %v", got)
			}
		}
		data = append(data, []string{key, fmt.Sprint(t.Shape), status})
	}
	for name := range vars {
		if strings.HasPrefix(name, prefix) && !seen[name] {
			data = append(data, []string{strings.TrimPrefix(name, prefix), "-", "missing"})
		}
	}

	renderTable([]string{"KEY", "SHAPE", "STATUS"}, data)

	return nil
}
