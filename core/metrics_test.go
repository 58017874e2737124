package core

import (
	"testing"
)

func TestTrunkMetrics(t *testing.T) {
	MS.ResetMetrics()

	RecordTrunkRequest("1.2.3.4:1812", "1")
	RecordTrunkRequest("1.2.3.4:1812", "1")
	RecordTrunkResponse("1.2.3.4:1812", "2")
	RecordTrunkRetransmission("1.2.3.4:1812", "1")
	RecordTrunkStatusCheck("1.2.3.4:1812")
	RecordTrunkConnectionTransition("1.2.3.4:1812", "active")

	metric, err := GetMetricWithLabels("trunk_requests", `{code="1",endpoint="1.2.3.4:1812"}`)
	if err != nil {
		t.Fatalf("error getting trunk_requests: %s", err)
	}
	if metric != "2" {
		t.Fatalf("trunk_requests was %s instead of 2", metric)
	}

	metric, err = GetMetricWithLabels("trunk_responses", `{code="2",endpoint="1.2.3.4:1812"}`)
	if err != nil {
		t.Fatalf("error getting trunk_responses: %s", err)
	}
	if metric != "1" {
		t.Fatalf("trunk_responses was %s instead of 1", metric)
	}

	metric, err = GetMetricWithLabels("trunk_connection_transitions", `{endpoint="1.2.3.4:1812",state="active"}`)
	if err != nil {
		t.Fatalf("error getting trunk_connection_transitions: %s", err)
	}
	if metric != "1" {
		t.Fatalf("trunk_connection_transitions was %s instead of 1", metric)
	}

	// Back to zero after a reset
	MS.ResetMetrics()
	if _, err = GetMetricWithLabels("trunk_requests", `{code="1",endpoint="1.2.3.4:1812"}`); err == nil {
		t.Fatalf("trunk_requests still reported after the reset")
	}
}
