package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ltxav/ltxav/api"
	"github.com/ltxav/ltxav/envconfig"
	"github.com/ltxav/ltxav/media"
	"github.com/ltxav/ltxav/model"
	"github.com/ltxav/ltxav/pipeline"
	"github.com/ltxav/ltxav/server"
	"github.com/ltxav/ltxav/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ltxav",
		Short: "Two-stage audio-video generator",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
			if envconfig.Debug {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		generateCmd(),
		serveCmd(),
		loraCmd(),
		enhanceCmd(),
		versionCmd(),
	)

	return rootCmd
}

func generateCmd() *cobra.Command {
	cfg := pipeline.DefaultConfig()
	var modelDir, remote string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "generate PROMPT",
		Short: "Generate a video with audio from a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Prompt = args[0]
			if err := cfg.Validate(); err != nil {
				return err
			}

			if remote != "" {
				return generateRemote(cmd.Context(), remote, cfg)
			}
			return generateLocal(cmd.Context(), modelDir, cfg, verbose)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&cfg.Height, "height", "H", cfg.Height, "Output height in pixels (multiple of 64)")
	f.IntVarP(&cfg.Width, "width", "W", cfg.Width, "Output width in pixels (multiple of 64)")
	f.IntVarP(&cfg.NumFrames, "frames", "n", cfg.NumFrames, "Number of frames (rounded to 8n+1)")
	f.IntVar(&cfg.FPS, "fps", cfg.FPS, "Frames per second")
	f.Int64VarP(&cfg.Seed, "seed", "s", cfg.Seed, "Noise seed")
	f.StringVar(&cfg.NegativePrompt, "negative-prompt", "", "Traits to steer away from")
	f.Float64Var(&cfg.GuidanceScale, "guidance", cfg.GuidanceScale, "Classifier-free guidance scale (<=1 disables)")
	f.StringVarP(&cfg.OutputPath, "output", "o", cfg.OutputPath, "Output video path")
	f.StringVar(&modelDir, "model", envconfig.Models, "Model weights directory")
	f.StringVarP(&cfg.Image, "image", "i", "", "Reference image for image-to-video")
	f.Float64Var(&cfg.ImageStrength, "image-strength", cfg.ImageStrength, "Reference image conditioning strength (0,1]")
	f.IntVar(&cfg.ImageFrameIdx, "image-frame", cfg.ImageFrameIdx, "Latent frame the reference image conditions")
	f.StringVar(&cfg.LoRAPath, "lora", "", "LoRA adapter to merge before generating")
	f.Float64Var(&cfg.LoRAStrength, "lora-strength", cfg.LoRAStrength, "LoRA merge strength")
	f.StringVar(&cfg.Tiling, "tiling", cfg.Tiling, "Decode tiling: none, default, auto, aggressive, conservative, spatial, temporal")
	f.BoolVar(&cfg.NoAudio, "no-audio", false, "Skip the audio track")
	f.BoolVar(&cfg.SaveAudioSeparately, "save-audio-separately", false, "Also keep the audio as a WAV next to the video")
	f.BoolVar(&cfg.EnhancePrompt, "enhance", false, "Expand the prompt before generating")
	f.StringVar(&remote, "remote", "", "Send the request to a running server at HOST instead of generating locally")
	f.BoolVar(&verbose, "verbose", false, "Print tagged progress lines instead of a progress display")

	return cmd
}

func generateLocal(ctx context.Context, modelDir string, cfg pipeline.GenerationConfig, verbose bool) error {
	g, err := model.Build(modelDir)
	if err != nil {
		return err
	}

	writer, err := media.NewWriter()
	if err != nil {
		return err
	}
	g.Media = writer
	g.Loader = media.Loader{}

	progress, stop := newProgress(verbose)
	defer stop()
	g.Progress = progress

	result, err := g.Generate(ctx, cfg)
	if err != nil {
		return err
	}
	stop()

	fmt.Printf("wrote %s (seed %d, %s", result.VideoPath, result.Seed, result.Mode)
	if !result.HasAudio {
		fmt.Print(", no audio")
	}
	fmt.Println(")")
	if result.AudioPath != "" {
		fmt.Printf("wrote %s\n", result.AudioPath)
	}
	return nil
}

func generateRemote(ctx context.Context, host string, cfg pipeline.GenerationConfig) error {
	client := api.NewClient(host)
	req := &api.GenerateRequest{
		Prompt:              cfg.Prompt,
		NegativePrompt:      cfg.NegativePrompt,
		GuidanceScale:       cfg.GuidanceScale,
		Height:              cfg.Height,
		Width:               cfg.Width,
		NumFrames:           cfg.NumFrames,
		FPS:                 cfg.FPS,
		Seed:                cfg.Seed,
		OutputPath:          cfg.OutputPath,
		Image:               cfg.Image,
		ImageStrength:       cfg.ImageStrength,
		ImageFrameIdx:       cfg.ImageFrameIdx,
		LoRAPath:            cfg.LoRAPath,
		LoRAStrength:        cfg.LoRAStrength,
		Tiling:              cfg.Tiling,
		NoAudio:             cfg.NoAudio,
		SaveAudioSeparately: cfg.SaveAudioSeparately,
		EnhancePrompt:       cfg.EnhancePrompt,
	}

	return client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		switch {
		case resp.Done && resp.Error != "":
			return fmt.Errorf("%s", resp.Error)
		case resp.Done:
			fmt.Printf("wrote %s (seed %d, %s)\n", resp.VideoPath, resp.Seed, resp.Mode)
		case resp.Total > 0:
			fmt.Fprintf(os.Stderr, "stage %d: step %d/%d\n", resp.Stage, resp.Step, resp.Total)
		case resp.Status != "":
			fmt.Fprintln(os.Stderr, resp.Status)
		}
		return nil
	})
}

func serveCmd() *cobra.Command {
	var useHTTP bool
	var host, modelDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run as a host-controlled generation server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := model.Build(modelDir)
			if err != nil {
				return err
			}
			writer, err := media.NewWriter()
			if err != nil {
				return err
			}
			g.Media = writer
			g.Loader = media.Loader{}

			generate := func(ctx context.Context, cfg pipeline.GenerationConfig, progress pipeline.Progress) (*pipeline.Result, error) {
				g.Progress = progress
				return g.Generate(ctx, cfg)
			}

			s := server.New(generate, os.Stdout, os.Stderr)
			if useHTTP {
				ln, err := net.Listen("tcp", host)
				if err != nil {
					return err
				}
				return s.Serve(ln)
			}
			return s.Run(cmd.Context(), os.Stdin)
		},
	}

	cmd.Flags().BoolVar(&useHTTP, "http", false, "Serve the HTTP API instead of the stdio protocol")
	cmd.Flags().StringVar(&host, "host", envconfig.Host, "Address to listen on in HTTP mode")
	cmd.Flags().StringVar(&modelDir, "model", envconfig.Models, "Model weights directory")

	return cmd
}

func enhanceCmd() *cobra.Command {
	var temperature float64
	var seed int64

	cmd := &cobra.Command{
		Use:   "enhance PROMPT",
		Short: "Preview prompt enhancement without generating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enhancer := &model.Enhancer{Temperature: temperature, Seed: seed}
			enhanced, err := enhancer.Enhance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"enhanced_prompt": enhanced})
		},
	}

	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "Sampling temperature")
	cmd.Flags().Int64VarP(&seed, "seed", "s", 0, "Selection seed")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	}
}

func stderrIsTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
