package stream

import "testing"

func TestRegistryUpsertAndIsActiveWithoutConfirmation(t *testing.T) {
	reg := NewRegistry()
	reg.Upsert("md+265598", nil, false, nil)

	if !reg.IsActive("md+265598") {
		t.Error("a channel that does not require confirmation should be active immediately")
	}
}

func TestRegistryUpsertRequiresConfirmationBeforeActive(t *testing.T) {
	reg := NewRegistry()
	reg.Upsert("or", nil, true, nil)

	if reg.IsActive("or") {
		t.Error("a channel requiring confirmation should not be active until Confirm is called")
	}
	reg.Confirm("or")
	if !reg.IsActive("or") {
		t.Error("IsActive should be true after Confirm")
	}
}

func TestRegistryUpsertResetsConfirmation(t *testing.T) {
	reg := NewRegistry()
	reg.Upsert("or", nil, true, nil)
	reg.Confirm("or")
	if !reg.IsActive("or") {
		t.Fatal("precondition: should be active after confirm")
	}

	reg.Upsert("or", map[string]any{"fields": []string{"31"}}, true, nil)
	if reg.IsActive("or") {
		t.Error("a fresh Upsert should re-arm confirmation tracking, dropping prior confirmed state")
	}
}

func TestRegistryIsActiveFalseForUnknownChannel(t *testing.T) {
	reg := NewRegistry()
	if reg.IsActive("nope") {
		t.Error("an unregistered channel should never be active")
	}
}

func TestRegistryRemoveDropsActivation(t *testing.T) {
	reg := NewRegistry()
	reg.Upsert("md+265598", nil, false, nil)
	reg.Remove("md+265598")
	if reg.IsActive("md+265598") {
		t.Error("a removed channel should not be active")
	}
}

func TestRegistryModifyUpdatesOnlyGivenFields(t *testing.T) {
	reg := NewRegistry()
	reg.Upsert("md+265598", map[string]any{"fields": []string{"31"}}, true, nil)
	reg.Confirm("md+265598")

	needsConfirmation := false
	if err := reg.Modify("md+265598", nil, &needsConfirmation); err != nil {
		t.Fatalf("Modify returned error: %v", err)
	}
	if !reg.IsActive("md+265598") {
		t.Error("after disabling needsConfirmation, the channel should be active even though Modify reset confirmed")
	}

	snap := reg.Snapshot()
	var found *SubscriptionSnapshot
	for i := range snap {
		if snap[i].Channel == "md+265598" {
			found = &snap[i]
		}
	}
	if found == nil {
		t.Fatal("expected md+265598 in the snapshot")
	}
	fields, _ := found.Data["fields"].([]string)
	if len(fields) != 1 || fields[0] != "31" {
		t.Errorf("Data should be unchanged by a nil data argument, got %#v", found.Data)
	}
}

func TestRegistryModifyUnknownChannelErrors(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Modify("missing", nil, nil); err == nil {
		t.Fatal("expected an error modifying an unregistered channel")
	}
}

func TestRegistrySnapshotExcludesRemovedChannels(t *testing.T) {
	reg := NewRegistry()
	reg.Upsert("a", nil, false, nil)
	reg.Upsert("b", nil, false, nil)
	reg.Remove("a")

	snap := reg.Snapshot()
	if len(snap) != 1 || snap[0].Channel != "b" {
		t.Errorf("Snapshot = %+v, want only channel \"b\"", snap)
	}
}

func TestDefaultProcessorPayloads(t *testing.T) {
	proc := DefaultProcessor()

	if got := proc.MakeSubscribePayload("md+265598", nil); got != "smd+265598" {
		t.Errorf("MakeSubscribePayload with no data = %q, want %q", got, "smd+265598")
	}
	got := proc.MakeSubscribePayload("md+265598", map[string]any{"fields": []string{"31"}})
	want := `smd+265598+{"fields":["31"]}`
	if got != want {
		t.Errorf("MakeSubscribePayload = %q, want %q", got, want)
	}

	unsub := proc.MakeUnsubscribePayload("md+265598", nil)
	if unsub != `umd+265598+{}` {
		t.Errorf("MakeUnsubscribePayload with nil data = %q, want %q", unsub, `umd+265598+{}`)
	}
}
