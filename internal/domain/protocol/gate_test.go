package protocol

import (
	"errors"
	"testing"
	"time"
)

var gateNow = time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)

func checklistStage() ScriptStage {
	return ScriptStage{
		Number: 1,
		Title:  "Day 1 check-in",
		Actions: []Action{
			{ID: "ice", Description: "Confirm ice applied", Type: ActionChecklist},
			{ID: "msg", Description: "Send message", Type: ActionMessage},
		},
		Timing: Delay(1, UnitDays),
	}
}

func photoStage() ScriptStage {
	return ScriptStage{
		Number: 2,
		Title:  "Day 7 photos",
		Actions: []Action{
			{ID: "photo", Description: "Ask for photos", Type: ActionPhotoRequest},
		},
		Timing: Delay(7, UnitDays),
	}
}

func TestIsChecklistComplete_SingleAction(t *testing.T) {
	stage := checklistStage()
	data := NewStageData()

	if IsChecklistComplete(stage, data) {
		t.Fatal("expected incomplete checklist")
	}
	if err := data.SetChecklistItem(stage, "ice", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsChecklistComplete(stage, data) {
		t.Fatal("expected complete checklist")
	}
	if err := data.SetChecklistItem(stage, "ice", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if IsChecklistComplete(stage, data) {
		t.Fatal("expected unchecking to make checklist incomplete again")
	}
}

func TestIsChecklistComplete_IgnoresMessageAndPhotoActions(t *testing.T) {
	stage := photoStage()
	stage.Actions = append(stage.Actions, Action{ID: "m", Type: ActionMessage})
	if !IsChecklistComplete(stage, nil) {
		t.Error("expected vacuously complete checklist")
	}
}

func TestSetChecklistItem_UnknownAction(t *testing.T) {
	stage := checklistStage()
	data := NewStageData()
	if err := data.SetChecklistItem(stage, "missing", true); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
	if err := data.SetChecklistItem(stage, "msg", true); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction for message action, got %v", err)
	}
}

func TestRequiresPhoto(t *testing.T) {
	if RequiresPhoto(checklistStage()) {
		t.Error("checklist stage should not require photos")
	}
	if !RequiresPhoto(photoStage()) {
		t.Error("photo_request action should require photos")
	}
	s := checklistStage()
	s.RequestMedia = true
	if !RequiresPhoto(s) {
		t.Error("request_media should require photos")
	}
}

func TestIsPhotoComplete(t *testing.T) {
	stage := photoStage()
	data := NewStageData()

	if IsPhotoComplete(stage, data) {
		t.Fatal("expected photo incomplete")
	}
	if err := data.RegisterPhotoRequest(stage, gateNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.Photo.Status != PhotoPending {
		t.Errorf("expected pending, got %s", data.Photo.Status)
	}
	if IsPhotoComplete(stage, data) {
		t.Fatal("pending photo should not complete the stage")
	}
	if err := data.RegisterPhotoResponse(stage, PhotoRefused, "", gateNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsPhotoComplete(stage, data) {
		t.Fatal("refused photo should complete the stage")
	}
	if err := data.RegisterPhotoResponse(stage, PhotoReceived, "https://media/x.jpg", gateNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.Photo.URL != "https://media/x.jpg" {
		t.Errorf("unexpected url %q", data.Photo.URL)
	}
	if !IsPhotoComplete(stage, data) {
		t.Fatal("received photo should complete the stage")
	}
}

func TestPhotoOperations_RejectedWithoutPhotoRequirement(t *testing.T) {
	stage := checklistStage()
	data := NewStageData()
	if err := data.RegisterPhotoRequest(stage, gateNow); !errors.Is(err, ErrPhotoNotRequired) {
		t.Errorf("expected ErrPhotoNotRequired, got %v", err)
	}
	if err := data.RegisterPhotoResponse(stage, PhotoReceived, "", gateNow); !errors.Is(err, ErrPhotoNotRequired) {
		t.Errorf("expected ErrPhotoNotRequired, got %v", err)
	}
}

func TestRegisterPhotoResponse_InvalidStatus(t *testing.T) {
	data := NewStageData()
	if err := data.RegisterPhotoResponse(photoStage(), PhotoPending, "", gateNow); !errors.Is(err, ErrInvalidPhotoStatus) {
		t.Errorf("expected ErrInvalidPhotoStatus, got %v", err)
	}
}

func TestRegisterResponse(t *testing.T) {
	data := NewStageData()
	if data.Contact.Response != ResponseNotAsked {
		t.Fatalf("expected not_asked, got %s", data.Contact.Response)
	}
	if err := data.RegisterResponse(true, "all good", gateNow); !errors.Is(err, ErrMessageNotSent) {
		t.Fatalf("expected ErrMessageNotSent, got %v", err)
	}

	data.RegisterMessageSent(gateNow)
	if data.Contact.Response != ResponseAwaitingDecision {
		t.Fatalf("expected awaiting_decision, got %s", data.Contact.Response)
	}
	if IsContactResolved(data) {
		t.Fatal("awaiting decision should not be resolved")
	}

	if err := data.RegisterResponse(true, "   ", gateNow); !errors.Is(err, ErrResponseContentRequired) {
		t.Fatalf("expected ErrResponseContentRequired, got %v", err)
	}
	if err := data.RegisterResponse(true, " swelling is down ", gateNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.Contact.ResponseContent != "swelling is down" {
		t.Errorf("unexpected content %q", data.Contact.ResponseContent)
	}
	if !IsContactResolved(data) {
		t.Fatal("expected resolved contact")
	}

	if err := data.RegisterResponse(false, "ignored", gateNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.Contact.Response != ResponseNotResponded || data.Contact.ResponseContent != "" {
		t.Errorf("unexpected contact %+v", data.Contact)
	}
	if !IsContactResolved(data) {
		t.Fatal("not responded is a resolved outcome")
	}
}

func TestRegisterMessageSent_KeepsRecordedOutcome(t *testing.T) {
	data := NewStageData()
	data.RegisterMessageSent(gateNow)
	if err := data.RegisterResponse(false, "", gateNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data.RegisterMessageSent(gateNow.Add(time.Hour))
	if data.Contact.Response != ResponseNotResponded {
		t.Errorf("expected outcome kept, got %s", data.Contact.Response)
	}
}

func TestCanAdvance(t *testing.T) {
	stage := checklistStage()
	data := NewStageData()

	_ = data.SetChecklistItem(stage, "ice", true)
	if !IsStageComplete(stage, data) {
		t.Fatal("expected stage complete")
	}
	if CanAdvance(stage, data) {
		t.Fatal("cannot advance before the contact outcome is recorded")
	}
	data.RegisterMessageSent(gateNow)
	_ = data.RegisterResponse(true, "fine", gateNow)
	if !CanAdvance(stage, data) {
		t.Fatal("expected to be able to advance")
	}
}

func TestGateReport(t *testing.T) {
	stage := checklistStage()
	stage.Actions = append(stage.Actions, Action{ID: "meds", Type: ActionChecklist})
	stage.RequestMedia = true
	data := NewStageData()
	_ = data.SetChecklistItem(stage, "ice", true)

	g := GateReport(stage, data)
	if g.ChecklistComplete || g.PhotoComplete || g.ContactResolved || g.CanAdvance {
		t.Errorf("unexpected gate %+v", g)
	}
	if !g.PhotoRequired {
		t.Error("expected photo required")
	}
	if len(g.MissingActions) != 1 || g.MissingActions[0] != "meds" {
		t.Errorf("expected missing [meds], got %v", g.MissingActions)
	}
}
