package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFixed(t *testing.T) {
	if err := Fixed(true, "ignored").Check(context.Background()); err != nil {
		t.Fatalf("ok probe failed: %v", err)
	}
	if err := Fixed(false, "mirror down").Check(context.Background()); err == nil || err.Error() != "mirror down" {
		t.Fatalf("err = %v", err)
	}
	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("default reason err = %v", err)
	}
}

func TestAll(t *testing.T) {
	first := errors.New("first")
	called := false
	late := CheckFunc(func(context.Context) error { called = true; return nil })

	tests := []struct {
		name   string
		probes []Probe
		want   error
	}{
		{"empty", nil, nil},
		{"all pass", []Probe{Fixed(true, ""), nil, Fixed(true, "")}, nil},
		{"first failure wins", []Probe{nil, CheckFunc(func(context.Context) error { return first }), Fixed(false, "second")}, first},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := All(tt.probes...).Check(context.Background()); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	_ = All(Fixed(false, "stop"), late).Check(context.Background())
	if called {
		t.Fatal("All should stop at the first failure")
	}
}

func TestAny(t *testing.T) {
	last := errors.New("last")
	tests := []struct {
		name    string
		probes  []Probe
		wantErr bool
		wantIs  error
	}{
		{"one passes", []Probe{Fixed(false, "a"), Fixed(true, "")}, false, nil},
		{"all fail returns last", []Probe{Fixed(false, "a"), CheckFunc(func(context.Context) error { return last })}, true, last},
		{"empty", nil, true, nil},
		{"only nil", []Probe{nil, nil}, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Any(tt.probes...).Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Fatalf("err = %v, want %v", err, tt.wantIs)
			}
		})
	}
}

func TestWritableDir(t *testing.T) {
	dir := t.TempDir()
	if err := WritableDir(dir).Check(context.Background()); err != nil {
		t.Fatalf("writable dir failed: %v", err)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Fatalf("probe left %d files behind", len(ents))
	}
	if err := WritableDir(filepath.Join(dir, "missing")).Check(context.Background()); err == nil {
		t.Fatal("missing dir should fail")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("open gate failed: %v", err)
	}

	g.Set("")
	if err := p.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("err = %v, want draining", err)
	}
	g.Set("shutting down")
	if err := p.Check(context.Background()); err == nil || err.Error() != "shutting down" {
		t.Fatalf("err = %v", err)
	}
	g.Clear()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("cleared gate failed: %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := All(g.Probe(), Fixed(true, ""))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); g.Set("drain") }()
		go func() { defer wg.Done(); _ = p.Check(context.Background()) }()
	}
	wg.Wait()
	if err := p.Check(context.Background()); err == nil {
		t.Fatal("gate should be closed")
	}
}
