package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-arbalest/internal/arrow_client"
	"github.com/23skdu/longbow-arbalest/internal/config"
	"github.com/23skdu/longbow-arbalest/internal/engine"
	"github.com/23skdu/longbow-arbalest/internal/logger"
	"github.com/23skdu/longbow-arbalest/internal/monitoring"
	"github.com/23skdu/longbow-arbalest/internal/weights"
)

var (
	checkpoint  = flag.String("checkpoint", "", "Path to an Arrow IPC checkpoint (empty: synthetic demo weights)")
	weightsAddr = flag.String("weights-addr", "", "Arrow Flight weight service address (overrides -checkpoint)")
	weightsName = flag.String("weights-name", "default", "Checkpoint name on the weight service")
	promptStr   = flag.String("prompt", "1,2,3", "Prompt as comma-separated token IDs")
	numTokens   = flag.Int("n", 32, "Maximum new tokens to generate")
	temp        = flag.Float64("temp", 0.7, "Sampling temperature (0 = greedy)")
	topP        = flag.Float64("top-p", 0.9, "Nucleus sampling threshold")
	topK        = flag.Int("top-k", 0, "Top-k cutoff (0 = disabled)")
	repPenalty  = flag.Float64("rep-penalty", 1.0, "Repetition penalty (1 = disabled)")
	seed        = flag.Int64("seed", 0, "Sampling seed (0 = time-based)")

	devices = flag.Int("devices", 1, "Number of devices")
	tpSize  = flag.Int("tp", 1, "Tensor parallel group size")
	ppSize  = flag.Int("pp", 1, "Pipeline parallel stages")
	memCap  = flag.Int64("memory-ceiling", 0, "Per-device memory ceiling in bytes (0 = unlimited)")

	vocab   = flag.Int("vocab", 256, "Demo model vocabulary size")
	hidden  = flag.Int("hidden", 64, "Demo model hidden size")
	layers  = flag.Int("layers", 4, "Demo model layer count")
	heads   = flag.Int("heads", 8, "Demo model attention heads")
	kvHeads = flag.Int("kv-heads", 4, "Demo model KV heads")
	maxPos  = flag.Int("max-positions", 2048, "Demo model position limit")

	metricsAddr = flag.String("metrics", ":9090", "Monitoring listen address (empty: disabled)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.With("arbalest")

	prompt, err := parsePrompt(*promptStr)
	if err != nil {
		log.Error("bad prompt", "error", err)
		os.Exit(1)
	}

	model := config.Model{
		VocabSize:        *vocab,
		HiddenSize:       *hidden,
		IntermediateSize: *hidden * 4,
		Layers:           *layers,
		Heads:            *heads,
		KVHeads:          *kvHeads,
		MaxPositions:     *maxPos,
		NormEps:          1e-6,
		RopeTheta:        1000000.0,
	}

	engCfg := config.DefaultEngine()
	engCfg.Devices = *devices
	engCfg.TensorParallelSize = *tpSize
	engCfg.PipelineParallelSize = *ppSize
	engCfg.DeviceMemoryCeiling = *memCap

	eng, err := engine.New(&model, &engCfg)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := eng.Initialize(); err != nil {
		log.Error("initialize failed", "error", err)
		os.Exit(1)
	}

	tensors, err := loadTensors(&model)
	if err != nil {
		log.Error("checkpoint load failed", "error", err)
		os.Exit(1)
	}
	start := time.Now()
	if err := eng.LoadWeights(tensors); err != nil {
		log.Error("weight load failed", "error", err)
		os.Exit(1)
	}
	log.Info("model ready", "load_time", time.Since(start))
	defer eng.Shutdown()

	var mon *monitoring.Server
	if *metricsAddr != "" {
		mon = monitoring.NewServer(eng)
		mon.Start(*metricsAddr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			mon.Stop(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	params := engine.SampleParams{
		MaxNewTokens: *numTokens,
		Temperature:  *temp,
		TopP:         *topP,
		TopK:         *topK,
		RepPenalty:   *repPenalty,
		Seed:         *seed,
	}

	seq, err := eng.Submit(prompt, params)
	if err != nil {
		log.Error("submit failed", "error", err)
		os.Exit(1)
	}

	genStart := time.Now()
	count := 0
loop:
	for {
		select {
		case tok, ok := <-seq.Tokens():
			if !ok {
				break loop
			}
			if tok.Done {
				if tok.Err != nil {
					log.Error("generation failed", "reason", tok.Reason, "error", tok.Err)
					os.Exit(1)
				}
				log.Info("generation finished", "reason", tok.Reason)
				continue
			}
			fmt.Printf("%d ", tok.ID)
			count++
		case <-sigCh:
			log.Warn("interrupted, cancelling")
			seq.Cancel()
		}
	}
	fmt.Println()

	elapsed := time.Since(genStart)
	stats := eng.Stats()
	log.Info("done",
		"tokens", count,
		"elapsed", elapsed,
		"tokens_per_sec", float64(count)/elapsed.Seconds(),
		"devices", stats.Devices,
		"kv_slots", stats.KVSlots,
	)
}

func parsePrompt(s string) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	prompt := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", p, err)
		}
		prompt = append(prompt, id)
	}
	if len(prompt) == 0 {
		return nil, fmt.Errorf("prompt is empty")
	}
	return prompt, nil
}

func loadTensors(m *config.Model) (map[string]*weights.Tensor, error) {
	if *weightsAddr != "" {
		client, err := arrow_client.NewCheckpointClient(*weightsAddr)
		if err != nil {
			return nil, err
		}
		defer client.Close()
		return client.Fetch(context.Background(), *weightsName)
	}
	if *checkpoint != "" {
		f, err := os.Open(*checkpoint)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return weights.ReadCheckpoint(f)
	}
	return synthesizeWeights(m), nil
}

// synthesizeWeights builds a deterministic random checkpoint matching
// the model plan, for demos and smoke runs without a real model.
func synthesizeWeights(m *config.Model) map[string]*weights.Tensor {
	rng := rand.New(rand.NewSource(42))
	out := make(map[string]*weights.Tensor)
	for _, spec := range weights.ModelSpecs(m) {
		n := 1
		for _, d := range spec.Shape {
			n *= d
		}
		t := &weights.Tensor{Name: spec.Name, Shape: spec.Shape, Data: make([]float32, n)}
		if len(spec.Shape) == 1 {
			// Norm gains start at one.
			for i := range t.Data {
				t.Data[i] = 1.0
			}
		} else {
			scale := float32(0.08)
			for i := range t.Data {
				t.Data[i] = (rng.Float32()*2 - 1) * scale
			}
		}
		out[spec.Name] = t
	}
	return out
}
