package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"kenbikyo/internal/camera"
	"kenbikyo/internal/config"
	"kenbikyo/internal/output"
	"kenbikyo/internal/strategy"
	"kenbikyo/internal/video"
)

// Pipeline はフレームソース・出力モジュール・レートコーディネーターを
// 束ねたキャプチャパイプライン
type Pipeline struct {
	cfg *config.Config

	source      *camera.FrameSource
	coordinator *output.RateCoordinator
	registry    *strategy.Registry

	stream    *output.StreamModule
	storage   *output.StorageModule
	timelapse *output.TimelapseModule
}

// NewPipeline は設定からパイプラインを組み立てる
// センサーとVideoオープナーは呼び出し側が注入する
func NewPipeline(cfg *config.Config, sensor camera.Sensor, storageOpener, timelapseOpener video.Opener) (*Pipeline, error) {
	for _, dir := range []string{cfg.Storage.OutputDir, cfg.Timelapse.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
		}
	}

	registry := strategy.NewRegistry()

	resolution := camera.Resolution{Width: cfg.Camera.Width, Height: cfg.Camera.Height}
	source := camera.NewFrameSource(sensor, resolution)

	stream := output.NewStreamModule(cfg.Stream.FPS, cfg.Stream.JPEGQuality)
	storage := output.NewStorageModule(storageOpener, cfg.Storage.OutputDir, cfg.Storage.FPS)

	timelapseFPS := 1.0 / cfg.Timelapse.Interval.Seconds()
	timelapse := output.NewTimelapseModule(timelapseOpener, cfg.Timelapse.OutputDir,
		timelapseFPS, cfg.Timelapse.Duration)
	if err := timelapse.SetMinFrames(cfg.Timelapse.MinFrames); err != nil {
		return nil, err
	}

	// 設定のストラテジー名は検証済み
	for _, binding := range []struct {
		module output.Module
		name   string
	}{
		{stream, cfg.Stream.Strategy},
		{storage, cfg.Storage.Strategy},
		{timelapse, cfg.Timelapse.Strategy},
	} {
		strat, err := registry.Get(binding.name)
		if err != nil {
			return nil, err
		}
		binding.module.SetStrategy(strat)
	}

	coordinator := output.NewRateCoordinator(source, cfg.Camera.IdleFPS)
	for _, m := range []output.Module{stream, storage, timelapse} {
		coordinator.Add(m)
		source.Register(m)
	}

	for _, setQueue := range []func(int) error{
		stream.SetQueueSize, storage.SetQueueSize, timelapse.SetQueueSize,
	} {
		if err := setQueue(cfg.Camera.QueueSize); err != nil {
			return nil, err
		}
	}

	return &Pipeline{
		cfg:         cfg,
		source:      source,
		coordinator: coordinator,
		registry:    registry,
		stream:      stream,
		storage:     storage,
		timelapse:   timelapse,
	}, nil
}

// Start はフレームソースを起動する。モジュールは停止状態から始まる
func (p *Pipeline) Start(ctx context.Context) error {
	return p.source.Start(ctx)
}

// Stop は全モジュールとフレームソースを停止する
func (p *Pipeline) Stop(ctx context.Context) error {
	for _, m := range []output.Module{p.stream, p.storage, p.timelapse} {
		if err := p.coordinator.StopModule(ctx, m); err != nil {
			return fmt.Errorf("モジュール %s の停止に失敗: %w", m.Name(), err)
		}
	}
	// APIで先に停止済みの場合は正常終了とみなす
	if err := p.source.Stop(ctx); err != nil && !errors.Is(err, camera.ErrNotRunning) {
		return err
	}
	return nil
}

// ModuleByName は名前から出力モジュールを引く
func (p *Pipeline) ModuleByName(name string) (output.Module, bool) {
	switch name {
	case p.stream.Name():
		return p.stream, true
	case p.storage.Name():
		return p.storage, true
	case p.timelapse.Name():
		return p.timelapse, true
	}
	return nil, false
}

// StreamInterval は配信フレームの送出間隔を返す
func (p *Pipeline) StreamInterval() time.Duration {
	fps := p.stream.FPS()
	if fps <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / fps)
}
