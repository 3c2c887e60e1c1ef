package leafpress

import (
	"context"

	"go.uber.org/zap"

	"github.com/greenstalk/leafpress/bridge"
)

// Options configures a one-shot Process call.
type Options struct {
	// BundleLocator names the runtime bundle file or its directory.
	// Empty searches the standard candidate locations.
	BundleLocator string

	// RuntimeHome overrides the foreign runtime's home directory.
	RuntimeHome string

	// OutputDir receives the processed image instead of the runtime's
	// temp directory.
	OutputDir string

	Logger *zap.Logger

	// bridgeOpts is a test hook for substituting the runtime loader.
	bridgeOpts []bridge.Option
}

// Process runs one image through the embedded processor: it brings a
// bridge up, invokes once and tears everything down again. Long-lived
// hosts should hold a bridge.Bridge instead, since runtime startup
// dominates one-shot cost.
func Process(ctx context.Context, imagePath string, opts Options) (*bridge.Result, error) {
	bopts := opts.bridgeOpts
	if opts.Logger != nil {
		bopts = append(bopts, bridge.WithLogger(opts.Logger))
	}
	b := bridge.New(bopts...)
	defer b.Shutdown(context.WithoutCancel(ctx))

	var initOpts []bridge.InitOption
	if opts.RuntimeHome != "" {
		initOpts = append(initOpts, bridge.WithRuntimeHome(opts.RuntimeHome))
	}
	if err := b.Initialize(ctx, opts.BundleLocator, initOpts...); err != nil {
		return nil, err
	}

	var invokeOpts []bridge.InvokeOption
	if opts.OutputDir != "" {
		invokeOpts = append(invokeOpts, bridge.WithOutputDir(opts.OutputDir))
	}
	return b.Invoke(ctx, imagePath, invokeOpts...)
}
