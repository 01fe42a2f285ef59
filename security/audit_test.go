package security

import (
	"testing"
	"time"
)

func TestAuditRecordAndQuery(t *testing.T) {
	log := NewAuditLog(0)
	log.Record(KindToolInvoke, "user-1", "req-1", map[string]interface{}{"toolName": "habit.log"})
	log.Record(KindToolComplete, "user-1", "req-1", map[string]interface{}{"success": true})
	log.Record(KindToolInvoke, "user-2", "req-2", map[string]interface{}{"toolName": "habit.stats"})

	invokes := log.Query(AuditFilter{Kind: KindToolInvoke})
	if len(invokes) != 2 {
		t.Fatalf("invokes = %d", len(invokes))
	}
	// Newest first.
	if invokes[0].UserID != "user-2" {
		t.Errorf("ordering: first = %s", invokes[0].UserID)
	}

	mine := log.Query(AuditFilter{UserID: "user-1"})
	if len(mine) != 2 {
		t.Errorf("user filter = %d entries", len(mine))
	}

	limited := log.Query(AuditFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit = %d entries", len(limited))
	}
}

func TestAuditRingDiscardsOldest(t *testing.T) {
	log := NewAuditLog(3)
	for i := 0; i < 5; i++ {
		log.Record(KindToolInvoke, "user-1", "", map[string]interface{}{"n": i})
	}

	entries := log.Query(AuditFilter{})
	if len(entries) != 3 {
		t.Fatalf("retained = %d, want 3", len(entries))
	}
	// Newest first: 4, 3, 2.
	if entries[0].Details["n"] != 4 || entries[2].Details["n"] != 2 {
		t.Errorf("window = %v %v %v", entries[0].Details["n"], entries[1].Details["n"], entries[2].Details["n"])
	}
}

func TestAuditRedactsSensitiveDetails(t *testing.T) {
	log := NewAuditLog(0)
	entry := log.Record(KindToolInvoke, "user-1", "", map[string]interface{}{
		"password": "hunter2",
		"Token":    "abc",
		"params": map[string]interface{}{
			"api_key": "k-123",
			"name":    "coding",
		},
		"headers": []interface{}{
			map[string]interface{}{"Authorization": "Bearer xyz"},
		},
	})

	if entry.Details["password"] != "[REDACTED]" || entry.Details["Token"] != "[REDACTED]" {
		t.Errorf("top level: %v", entry.Details)
	}
	params := entry.Details["params"].(map[string]interface{})
	if params["api_key"] != "[REDACTED]" {
		t.Errorf("nested: %v", params)
	}
	if params["name"] != "coding" {
		t.Errorf("benign key rewritten: %v", params)
	}
	headers := entry.Details["headers"].([]interface{})
	if headers[0].(map[string]interface{})["Authorization"] != "[REDACTED]" {
		t.Errorf("array of maps: %v", headers)
	}
}

func TestRedactLeavesInputUntouched(t *testing.T) {
	in := map[string]interface{}{"secret": "s", "nested": map[string]interface{}{"token": "t"}}
	_ = Redact(in)
	if in["secret"] != "s" || in["nested"].(map[string]interface{})["token"] != "t" {
		t.Error("Redact must copy, not mutate")
	}
}

func TestAuditStats(t *testing.T) {
	log := NewAuditLog(0)
	log.Record(KindToolComplete, "u", "", map[string]interface{}{"success": true})
	log.Record(KindToolComplete, "u", "", map[string]interface{}{"success": true})
	log.Record(KindToolComplete, "u", "", map[string]interface{}{"success": false})
	log.Record(KindSecurityWarning, "u", "", nil)
	log.Record(KindConfirmationDenied, "u", "", nil)

	stats := log.Stats()
	if stats.Total != 5 {
		t.Errorf("total = %d", stats.Total)
	}
	if stats.SecurityEvents != 2 {
		t.Errorf("securityEvents = %d", stats.SecurityEvents)
	}
	if stats.SuccessRate < 0.66 || stats.SuccessRate > 0.67 {
		t.Errorf("successRate = %f", stats.SuccessRate)
	}
	if stats.ByKind[KindToolComplete] != 3 {
		t.Errorf("byKind = %v", stats.ByKind)
	}
}

func TestAuditQueryTimeWindow(t *testing.T) {
	log := NewAuditLog(0)
	log.Record(KindToolInvoke, "u", "", nil)

	future := time.Now().Add(time.Hour)
	if got := log.Query(AuditFilter{Since: future}); len(got) != 0 {
		t.Errorf("future window returned %d entries", len(got))
	}
	if got := log.Query(AuditFilter{Until: future}); len(got) != 1 {
		t.Errorf("open window returned %d entries", len(got))
	}
}
