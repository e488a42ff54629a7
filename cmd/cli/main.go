package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/erh/vmodutils"
	"github.com/spf13/cobra"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"

	"headperception/models"
)

type cliOptions struct {
	cameraName string
	ptzName    string
	pixel      []float64
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:   "perceive",
		Short: "Run one perception goal against a remote machine",
		Long: `Connects to the machine named by the VIAM_* environment variables, builds a
perception coordinator from its camera and ONVIF PTZ client, points the head
at the target pixel and prints the resulting pose.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.cameraName, "camera", "ptz_camera", "camera component name")
	cmd.Flags().StringVar(&opts.ptzName, "ptz", "onvif-ptz-client", "ONVIF PTZ client component name")
	cmd.Flags().Float64SliceVar(&opts.pixel, "pixel", []float64{265, 466}, "target pixel as u,v")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}

func run(ctx context.Context, opts *cliOptions) error {
	logger := logging.NewLogger("cli")
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	machine, err := vmodutils.ConnectToMachineFromEnv(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to machine: %w", err)
	}
	defer machine.Close(ctx)

	cam, err := machine.ResourceByName(camera.Named(opts.cameraName))
	if err != nil {
		return err
	}
	ptz, err := machine.ResourceByName(generic.Named(opts.ptzName))
	if err != nil {
		return err
	}
	deps := resource.Dependencies{
		camera.Named(opts.cameraName): cam,
		generic.Named(opts.ptzName):   ptz,
	}

	cfg := &models.Config{
		CameraName:         opts.cameraName,
		OnvifPTZClientName: opts.ptzName,
		TargetPixel:        opts.pixel,
	}
	if _, _, err := cfg.Validate(""); err != nil {
		return err
	}

	svc, err := models.NewPerceptionService(ctx, deps, genericservice.Named("perception"), cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close(ctx)

	res, err := svc.DoCommand(ctx, map[string]interface{}{"command": "perceive", "wait": true})
	if err != nil {
		return err
	}
	logger.Infof("Perception result: %v", res)
	if ok, _ := res["success"].(bool); !ok {
		return fmt.Errorf("perception goal did not succeed: %v", res["message"])
	}
	return nil
}
