package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"

	"github.com/sugarme/swinretina/config"
	"github.com/sugarme/swinretina/encoder"
	"github.com/sugarme/swinretina/envconfig"
	"github.com/sugarme/swinretina/swinretina"
)

// NewCLI returns the root command.
func NewCLI() *cobra.Command {
	root := &cobra.Command{
		Use:           "swinretina",
		Short:         "SwinRetina segmentation model tools",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "YAML configuration file (overrides --preset)")
	flags.String("preset", string(encoder.ResNet34), fmt.Sprintf("configuration preset %v", encoder.Supported()))
	flags.Bool("cuda", false, "run on CUDA when available (also SWINRETINA_DEVICE=cuda)")

	root.AddCommand(
		NewInspectCmd(),
		NewKeysCmd(),
		NewConvertCmd(),
		NewPredictCmd(),
	)

	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.Load(path)
	}
	preset, _ := cmd.Flags().GetString("preset")
	return config.Preset(encoder.Backbone(preset))
}

func device(cmd *cobra.Command) gotch.Device {
	cuda, _ := cmd.Flags().GetBool("cuda")
	if cuda || envconfig.Device() == "cuda" {
		return gotch.CudaIfAvailable()
	}
	return gotch.CPU
}

// buildModel creates the model on the selected device. Without pretrained the
// checkpoint paths of cfg are ignored and every variable keeps its random
// initialization.
func buildModel(cmd *cobra.Command, cfg *config.Config, pretrained bool) (*nn.VarStore, *swinretina.SwinRetina, error) {
	if !pretrained {
		cfg = cfg.Clone()
		cfg.PretrainedPath = ""
		cfg.SwinPretrainedPath = ""
	}

	opts := []swinretina.Option{swinretina.WithLogger(slog.Default())}
	if envconfig.Debug() {
		opts = append(opts, swinretina.WithTracer(swinretina.SlogTracer(slog.Default())))
	}

	vs := nn.NewVarStore(device(cmd))
	model, err := swinretina.New(vs, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}

	return vs, model, nil
}
