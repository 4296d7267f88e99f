package events

import "testing"

func TestStoreRingBuffer(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Add(EventPublishFailed, "temperature", "cloud", false, "")
	}

	if s.Count() != 3 {
		t.Fatalf("Count() = %d; want 3", s.Count())
	}
	if s.LastID() != 5 {
		t.Errorf("LastID() = %d; want 5", s.LastID())
	}

	last := s.GetLast(10)
	if len(last) != 3 {
		t.Fatalf("GetLast(10) returned %d events; want 3", len(last))
	}
	if last[0].ID != 5 || last[2].ID != 3 {
		t.Errorf("GetLast order = %d..%d; want 5..3", last[0].ID, last[2].ID)
	}
}

func TestStoreGetSince(t *testing.T) {
	s := NewStore(10)
	s.Add(EventNetworkUp, "", "wifi", true, "")
	s.Add(EventCloudConnected, "", "cloud", true, "")
	s.Add(EventReadingsIngested, "soilPercent", "10.0.0.2", true, "")

	since := s.GetSince(1)
	if len(since) != 2 {
		t.Fatalf("GetSince(1) returned %d events; want 2", len(since))
	}
	if since[0].Type != EventReadingsIngested {
		t.Errorf("newest event type = %s; want %s", since[0].Type, EventReadingsIngested)
	}

	if got := s.GetSince(3); len(got) != 0 {
		t.Errorf("GetSince(3) returned %d events; want 0", len(got))
	}
}

func TestNilStoreAddIsNoop(t *testing.T) {
	var s *Store
	s.Add(EventAuthFailed, "", "", false, "")
}
