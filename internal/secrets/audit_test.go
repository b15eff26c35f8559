package secrets

import (
	"testing"
)

func TestAuditLogReadFiltersAndOrdersNewestFirst(t *testing.T) {
	tmp := t.TempDir()
	log := &AuditLog{Dir: tmp}

	entries := []AuditEvent{
		{Action: "scan", Namespace: "decisions", Detections: 1, Outcome: "flagged"},
		{Action: "filter", Namespace: "decisions", Detections: 1, Outcome: "redacted"},
		{Action: "scan", Namespace: "learnings", Detections: 0, Outcome: "clean"},
	}
	for _, e := range entries {
		if err := log.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := log.Read(AuditFilter{}, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Read() len = %d, want 3", len(all))
	}
	if all[0].Namespace != "learnings" || all[2].Namespace != "decisions" || all[2].Action != "scan" {
		t.Fatalf("Read() not newest-first: %+v", all)
	}

	scans, err := log.Read(AuditFilter{Action: "scan"}, 0)
	if err != nil {
		t.Fatalf("Read filtered: %v", err)
	}
	if len(scans) != 2 {
		t.Fatalf("Read(action=scan) len = %d, want 2", len(scans))
	}

	limited, err := log.Read(AuditFilter{}, 1)
	if err != nil {
		t.Fatalf("Read limited: %v", err)
	}
	if len(limited) != 1 || limited[0].Namespace != "learnings" {
		t.Fatalf("Read(limit=1) = %+v, want the single newest entry", limited)
	}
}

func TestAuditLogReadMissingFileReturnsEmpty(t *testing.T) {
	log := &AuditLog{Dir: t.TempDir()}
	events, err := log.Read(AuditFilter{}, 0)
	if err != nil {
		t.Fatalf("Read on missing log: %v", err)
	}
	if events != nil {
		t.Fatalf("Read on missing log = %+v, want nil", events)
	}
}
