package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersExposed(t *testing.T) {
	m := New()
	m.MessagesSent.Inc()
	m.MessagesSent.Inc()
	m.SendFailures.WithLabelValues("validation").Inc()
	m.Connections.Set(3)

	if got := testutil.ToFloat64(m.MessagesSent); got != 2 {
		t.Errorf("messages sent = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"duochat_messages_sent_total 2",
		`duochat_send_failures_total{reason="validation"} 1`,
		"duochat_connections 3",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Receipts.Inc()
	if testutil.ToFloat64(b.Receipts) != 0 {
		t.Error("metrics leaked between instances")
	}
}
