package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestInit_DisabledReturnsNoopShutdown(t *testing.T) {
	shutdown := Init(context.Background(), Config{Enabled: false}, zap.NewNop())
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestClampRatio(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{-1, 0},
		{0, 0},
		{0.25, 0.25},
		{1, 1},
		{3, 1},
	}
	for _, tc := range cases {
		if got := clampRatio(tc.in); got != tc.want {
			t.Errorf("clampRatio(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
