package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sugarme/swinretina/checkpoint"
)

func NewConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert IN OUT.safetensors",
		Short: "Rewrite a checkpoint as float32 safetensors",
		Args:  cobra.ExactArgs(2),
		RunE:  convertHandler,
	}

	cmd.Flags().String("select", "", "keep only keys under this prefix, with the prefix removed")

	return cmd
}

func convertHandler(cmd *cobra.Command, args []string) error {
	tensors, err := checkpoint.Read(args[0])
	if err != nil {
		return err
	}

	if prefix, _ := cmd.Flags().GetString("select"); prefix != "" {
		tensors = tensors.WithPrefix(prefix)
	}

	if err := checkpoint.WriteSafetensors(args[1], tensors); err != nil {
		return err
	}
	slog.Info("checkpoint converted", "in", args[0], "out", args[1], "tensors", len(tensors))

	return nil
}
