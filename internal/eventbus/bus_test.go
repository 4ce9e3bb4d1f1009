package eventbus

import (
	"testing"
	"time"
)

func TestPublish_DeliversToCompanyAndUserRooms(t *testing.T) {
	b := New()
	companySub := b.Subscribe("company_acme")
	userSub := b.Subscribe("user_u1")
	defer companySub.Unsubscribe()
	defer userSub.Unsubscribe()

	b.Publish(Event{EventType: EventStarted, RequestID: "r1", CompanyID: "acme", UserID: "u1", Timestamp: time.Now()})

	select {
	case evt := <-companySub.C:
		if evt.RequestID != "r1" {
			t.Fatalf("unexpected event on company room: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("company subscriber did not receive event")
	}

	select {
	case evt := <-userSub.C:
		if evt.RequestID != "r1" {
			t.Fatalf("unexpected event on user room: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("user subscriber did not receive event")
	}
}

func TestPublish_SanitizesSensitiveParameterKeys(t *testing.T) {
	b := New()
	sub := b.Subscribe("user_u1")
	defer sub.Unsubscribe()

	b.Publish(Event{
		EventType: EventStarted,
		UserID:    "u1",
		Parameters: map[string]any{
			"api_token": "sk-real-value",
			"nested": map[string]any{
				"password": "hunter2",
				"fine":     "visible",
			},
		},
	})

	evt := <-sub.C
	if evt.Parameters["api_token"] != RedactedMarker {
		t.Fatalf("expected api_token redacted, got %v", evt.Parameters["api_token"])
	}
	nested := evt.Parameters["nested"].(map[string]any)
	if nested["password"] != RedactedMarker {
		t.Fatalf("expected nested password redacted, got %v", nested["password"])
	}
	if nested["fine"] != "visible" {
		t.Fatalf("expected non-sensitive nested key untouched, got %v", nested["fine"])
	}
}

func TestPublish_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(WithSubscriberBuffer(1))
	slow := b.Subscribe("user_u1")
	fast := b.Subscribe("user_u1")
	defer slow.Unsubscribe()
	defer fast.Unsubscribe()

	// Fill the slow subscriber's buffer without draining it.
	for i := 0; i < 5; i++ {
		b.Publish(Event{EventType: EventProgress, UserID: "u1"})
	}

	select {
	case <-fast.C:
	default:
		t.Fatal("fast subscriber should have received at least one event")
	}
}

func TestGetRecent_FiltersAndOrdersMostRecentFirst(t *testing.T) {
	b := New()
	b.Publish(Event{EventType: EventStarted, RequestID: "a", ToolName: "scada"})
	b.Publish(Event{EventType: EventCompleted, RequestID: "a", ToolName: "scada"})
	b.Publish(Event{EventType: EventStarted, RequestID: "b", ToolName: "workorder"})

	recent := b.GetRecent(RecentQuery{ToolName: "scada", Limit: 10})
	if len(recent) != 2 {
		t.Fatalf("expected 2 scada events, got %d", len(recent))
	}
	if recent[0].EventType != EventCompleted {
		t.Fatalf("expected most recent first, got %+v", recent[0])
	}
}
