package metrics

import "testing"

func Test_status_bucket(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		500: "5xx",
		0:   "other",
	}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %q, want %q", code, got, want)
		}
	}
}

func Test_observe_request_increments_counter(t *testing.T) {
	before := testCounterValue(RequestsTotal.WithLabelValues("2xx"))
	ObserveRequest(200)
	after := testCounterValue(RequestsTotal.WithLabelValues("2xx"))
	if after != before+1 {
		t.Fatalf("expected counter to increment by 1, got %v -> %v", before, after)
	}
}

func Test_new_server_builds_without_listening(t *testing.T) {
	s := NewServer(":0")
	if s.httpServer == nil {
		t.Fatal("expected httpServer to be configured")
	}
}
