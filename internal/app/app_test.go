package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainscope/harvester/internal/config"
	"github.com/chainscope/harvester/internal/orchestrator"
)

func TestServeShutsDownOnContextCancel(t *testing.T) {
	t.Parallel()

	summaries, err := orchestrator.NewSummaryStore(t.TempDir())
	require.NoError(t, err)

	a := &App{
		Cfg:       config.Config{Server: config.ServerConfig{Enabled: true, Port: 0}},
		Logger:    zap.NewNop(),
		Summaries: summaries,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	// Give the listener a moment to bind before interrupting it.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "a canceled context is a clean shutdown, not a server error")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down after cancellation")
	}
}
