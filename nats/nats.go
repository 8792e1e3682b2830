package nats

import "fmt"

const (
	statusSubjectFormat = "camera.%s.status"
	alertsSubjectFormat = "camera.%s.alerts"
	eventsSubjectFormat = "camera.%s.*"
)

func CameraStatusSubject(cameraID string) string {
	return fmt.Sprintf(statusSubjectFormat, cameraID)
}

func CameraAlertsSubject(cameraID string) string {
	return fmt.Sprintf(alertsSubjectFormat, cameraID)
}

// Канал и статусов, и тревог камеры.
func CameraEventsSubject(cameraID string) string {
	return fmt.Sprintf(eventsSubjectFormat, cameraID)
}
