package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ryanbastic/go-cosync/internal/connection"
)

func TestEngine_CountsPushesByMethod(t *testing.T) {
	var e Engine
	before := testutil.ToFloat64(changesPushed.WithLabelValues("add"))
	e.ChangePushed("add")
	e.ChangePushed("add")
	after := testutil.ToFloat64(changesPushed.WithLabelValues("add"))
	if after-before != 2 {
		t.Errorf("changes_pushed_total{add} delta: got %f, want 2", after-before)
	}
}

func TestEngine_PushFailuresAddsBatch(t *testing.T) {
	var e Engine
	before := testutil.ToFloat64(pushFailures)
	e.PushFailed(3)
	if got := testutil.ToFloat64(pushFailures) - before; got != 3 {
		t.Errorf("push_failures_total delta: got %f, want 3", got)
	}
}

func TestEngine_Gauges(t *testing.T) {
	var e Engine
	e.QueueDepth(7)
	if got := testutil.ToFloat64(idleQueueDepth); got != 7 {
		t.Errorf("idle_queue_depth: got %f, want 7", got)
	}
	e.StateChanged(connection.Reconnecting)
	if got := testutil.ToFloat64(connectionState); got != 3 {
		t.Errorf("connection_state: got %f, want 3", got)
	}
}

func TestRelay_Connections(t *testing.T) {
	var r Relay
	before := testutil.ToFloat64(relayConnections)
	r.ConnectionOpened()
	r.ConnectionOpened()
	r.ConnectionClosed()
	if got := testutil.ToFloat64(relayConnections) - before; got != 1 {
		t.Errorf("relay_connections delta: got %f, want 1", got)
	}
}
