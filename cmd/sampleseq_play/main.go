package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cbegin/sampleseq-go"
	"github.com/cbegin/sampleseq-go/internal/audio"
	"github.com/cbegin/sampleseq-go/internal/config"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file")
		patternPath = flag.String("pattern", "", "path to a YAML pattern file (required)")
		backendName = flag.String("backend", "", "audio backend: ebiten|oto (overrides config)")
		logLevel    = flag.String("log-level", "", "debug|info|warn|error (overrides config)")
		startStep   = flag.Int("step", 0, "step to start from")
		seconds     = flag.Float64("seconds", 0, "stop after N seconds (0 = until interrupted or song end)")
		outPath     = flag.String("out", "", "render offline to a float WAV file instead of playing")
		volume      = flag.Float64("volume", 1.0, "master volume scalar")
	)
	flag.Parse()

	if *patternPath == "" {
		log.Fatal("-pattern is required")
	}
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal(err)
		}
	}
	if *backendName != "" {
		cfg.Backend = *backendName
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	pattern, err := config.LoadPattern(*patternPath)
	if err != nil {
		log.Fatal(err)
	}
	opts, err := sampleseq.OptionsFromConfig(cfg)
	if err != nil {
		log.Fatal(err)
	}
	seq, err := sampleseq.New(append(opts, sampleseq.WithLogger(logger))...)
	if err != nil {
		log.Fatal(err)
	}
	defer seq.Close()
	if err := seq.ApplyPattern(pattern); err != nil {
		log.Fatal(err)
	}
	seq.SetMasterVolume(float32(*volume))

	if *outPath != "" {
		if err := render(seq, *outPath, *seconds); err != nil {
			log.Fatal(err)
		}
		return
	}

	backend, err := audio.ParseBackend(cfg.Backend)
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *seconds > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*seconds*float64(time.Second)))
		defer cancel()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return seq.Run(ctx) })
	if err := seq.OpenDevice(backend); err != nil {
		cancel()
		_ = g.Wait()
		log.Fatal(err)
	}
	if err := seq.Start(seq.Settings().BPM, *startStep); err != nil {
		cancel()
		_ = g.Wait()
		log.Fatal(err)
	}
	g.Go(func() error {
		return watch(ctx, seq, cancel)
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
	seq.Stop()
	time.Sleep(50 * time.Millisecond) // let the fade-out reach the device
}

// watch prints each step until ctx ends or playback stops by itself.
func watch(ctx context.Context, seq *sampleseq.Sequencer, done context.CancelFunc) error {
	reader := seq.NewStateReader()
	tk := time.NewTicker(10 * time.Millisecond)
	defer tk.Stop()
	var last uint64
	started := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
		}
		st, ver := reader.Read()
		if ver == last {
			continue
		}
		last = ver
		if st.Playing {
			started = true
			fmt.Printf("step %3d  section %d loop %d  bpm %d\n", st.Step, st.Section, st.SectionLoop, st.BPM)
			continue
		}
		if started {
			fmt.Println("playback completed")
			done()
			return nil
		}
	}
}

func render(seq *sampleseq.Sequencer, path string, seconds float64) error {
	if seconds <= 0 {
		seconds = 10
	}
	samples, err := seq.RenderSamples(seconds)
	if err != nil {
		return err
	}
	wav := sampleseq.EncodeWAVFloat32LE(samples, seq.SampleRate(), seq.Channels())
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%.1fs)\n", path, seconds)
	return nil
}
