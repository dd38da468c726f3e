package scantype

import "testing"

func TestNewTable_SeedsDefaultEntries(t *testing.T) {
	tb := NewTable()
	if got := tb.Len(); got != 8 {
		t.Fatalf("expected 8 seeded entries, got %d", got)
	}
}

func TestTable_AddRejectsDuplicate(t *testing.T) {
	tb := NewEmptyTable()
	if err := tb.Add(HTTP, 80); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := tb.Add(HTTP, 80); err == nil {
		t.Fatal("expected duplicate (type, port) add to be rejected")
	}
}

func TestTable_AddRejectsPastMaxEntries(t *testing.T) {
	tb := NewEmptyTable()
	for i := 0; i < MaxEntries; i++ {
		if err := tb.Add(HTTP, 1000+i); err != nil {
			t.Fatalf("add #%d: %v", i, err)
		}
	}
	if err := tb.Add(HTTP, 9999); err == nil {
		t.Fatal("expected add past MaxEntries to be rejected")
	}
}

func TestTable_DelRemovesPreservingOrder(t *testing.T) {
	tb := NewEmptyTable()
	tb.Add(HTTP, 80)
	tb.Add(SOCKS4, 1080)
	tb.Add(SOCKS5, 1080)

	if err := tb.Del(SOCKS4, 1080); err != nil {
		t.Fatalf("del: %v", err)
	}
	got := tb.All()
	if len(got) != 2 || got[0].Type != HTTP || got[1].Type != SOCKS5 {
		t.Fatalf("expected [HTTP, SOCKS5] preserved in order, got %+v", got)
	}
}

func TestTable_DelUnknownEntryErrors(t *testing.T) {
	tb := NewEmptyTable()
	if err := tb.Del(CISCO, 23); err == nil {
		t.Fatal("expected deleting an unconfigured entry to error")
	}
}

func TestTable_RecordHitIncrementsMatchingEntryOnly(t *testing.T) {
	tb := NewEmptyTable()
	tb.Add(HTTP, 80)
	tb.Add(HTTP, 8080)

	tb.RecordHit(HTTP, 80)
	tb.RecordHit(HTTP, 80)

	for _, e := range tb.All() {
		switch {
		case e.Type == HTTP && e.Port == 80 && e.Hits != 2:
			t.Fatalf("expected 2 hits on HTTP:80, got %d", e.Hits)
		case e.Type == HTTP && e.Port == 8080 && e.Hits != 0:
			t.Fatalf("expected 0 hits on HTTP:8080, got %d", e.Hits)
		}
	}
}

func TestParseType_RoundTripsWithString(t *testing.T) {
	for _, typ := range []Type{HTTP, SOCKS4, SOCKS5, WINGATE, CISCO} {
		parsed, err := ParseType(typ.String())
		if err != nil {
			t.Fatalf("ParseType(%s): %v", typ, err)
		}
		if parsed != typ {
			t.Fatalf("expected round trip to %v, got %v", typ, parsed)
		}
	}
}

func TestParseType_UnknownNameRejected(t *testing.T) {
	if _, err := ParseType("bogus"); err == nil {
		t.Fatal("expected an unknown dialect name to be rejected")
	}
}
