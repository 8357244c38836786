package bus

import "fmt"

// QueueSubject is the subject on which session claims are announced.
// Workers queue-subscribe to it so a claim is delivered to one worker,
// but the atomic claim in the store is what actually defeats double-delivery.
const QueueSubject = "queue:sessions"

// EventsSubject returns the outbound event subject for a session.
func EventsSubject(sessionID string) string {
	return fmt.Sprintf("events:%s", sessionID)
}

// ControlSubject returns the inbound control subject for a session.
func ControlSubject(sessionID string) string {
	return fmt.Sprintf("control:%s", sessionID)
}
