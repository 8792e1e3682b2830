package nats

import (
	"fmt"
	"time"

	natsGo "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dimuls/face-streamer/alerter"
)

// Публикация статусов и тревог камеры в nats.
type Publisher struct {
	conn     *natsGo.Conn
	cameraID string
	now      func() time.Time
	log      *logrus.Entry
}

func NewPublisher(conn *natsGo.Conn, cameraID string) *Publisher {
	return &Publisher{
		conn:     conn,
		cameraID: cameraID,
		now:      time.Now,
		log: logrus.WithFields(logrus.Fields{
			"subsystem": "nats_publisher",
			"camera_id": cameraID,
		}),
	}
}

func (p *Publisher) Status(msg string) {
	// Кодируем статус и публикуем его в канал статусов камеры.
	data, err := EncodeStatus(p.cameraID, msg, p.now())
	if err != nil {
		p.log.WithError(err).Error("failed to proto marshal status")
		return
	}

	err = p.conn.Publish(CameraStatusSubject(p.cameraID), data)
	if err != nil {
		p.log.WithError(err).Error("failed to publish status to nats")
	}
}

func (p *Publisher) Alert(a alerter.Alert) {
	// Кодируем тревогу и публикуем её в канал тревог камеры.
	data, err := EncodeAlert(p.cameraID, a)
	if err != nil {
		p.log.WithError(err).Error("failed to proto marshal alert")
		return
	}

	err = p.conn.Publish(CameraAlertsSubject(p.cameraID), data)
	if err != nil {
		p.log.WithError(err).Error("failed to publish alert to nats")
	}
}

// Кодирование статуса в protobuf Struct.
func EncodeStatus(cameraID, msg string, at time.Time) ([]byte, error) {
	return encode(map[string]interface{}{
		"camera_id": cameraID,
		"status":    msg,
		"at":        at.UTC().Format(time.RFC3339Nano),
	})
}

// Кодирование тревоги в protobuf Struct.
func EncodeAlert(cameraID string, a alerter.Alert) ([]byte, error) {
	return encode(map[string]interface{}{
		"camera_id":   cameraID,
		"session_id":  a.SessionID,
		"identity":    a.Identity,
		"similarity":  a.Similarity,
		"frame":       float64(a.Frame),
		"detected_at": a.DetectedAt.UTC().Format(time.RFC3339Nano),
	})
}

// Декодирование события, опубликованного Publisher.
func Decode(data []byte) (map[string]interface{}, error) {
	s := &structpb.Struct{}
	err := proto.Unmarshal(data, s)
	if err != nil {
		return nil, fmt.Errorf("proto unmarshal event: %w", err)
	}
	return s.AsMap(), nil
}

func encode(fields map[string]interface{}) ([]byte, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}
	return proto.Marshal(s)
}
