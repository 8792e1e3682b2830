// Пакет telegram с рассылкой статусов и тревог по телеграм-чатам.
package telegram

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gopkg.in/tucnak/telebot.v2"

	"github.com/dimuls/face-streamer/alerter"
)

// Размер очереди неотправленных сообщений.
const queueSize = 64

type sender interface {
	Send(to telebot.Recipient, what interface{}, options ...interface{}) (*telebot.Message, error)
}

// Рассыльщик статусов и тревог. Сообщения ставятся в очередь и отправляются
// в Run. Пока очередь полна, сообщения отбрасываются.
type Notifier struct {
	bot      sender
	cameraID string
	chats    []int64
	queue    chan string
	log      *logrus.Entry
}

func New(token, cameraID string, chats []int64) (*Notifier, error) {
	// Создаём телеграм бота.
	b, err := telebot.NewBot(telebot.Settings{
		Token: token,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return newNotifier(b, cameraID, chats), nil
}

func newNotifier(s sender, cameraID string, chats []int64) *Notifier {
	return &Notifier{
		bot:      s,
		cameraID: cameraID,
		chats:    chats,
		queue:    make(chan string, queueSize),
		log: logrus.WithFields(logrus.Fields{
			"subsystem": "telegram",
			"camera_id": cameraID,
		}),
	}
}

func (n *Notifier) Status(msg string) {
	n.enqueue(fmt.Sprintf("Camera: %s, %s", n.cameraID, msg))
}

func (n *Notifier) Alert(a alerter.Alert) {
	n.enqueue(fmt.Sprintf("Name: %s, Similarity: %.2f%%, Camera: %s",
		a.Identity, a.Similarity*100, n.cameraID))
}

// Постановка в очередь без ожидания.
func (n *Notifier) enqueue(text string) {
	select {
	case n.queue <- text:
	default:
		n.log.Warning("telegram queue is full, message dropped")
	}
}

// Рассылка сообщений из очереди до отмены ctx.
func (n *Notifier) Run(ctx context.Context) {
	n.log.Info("subsystem started")
	defer n.log.Info("subsystem stopped")

	for {
		var text string

		select {
		case <-ctx.Done():
			return
		case text = <-n.queue:
		}

		// Рассылка по телеграм-чатам сообщения.
		for _, chatID := range n.chats {
			_, err := n.bot.Send(telebot.ChatID(chatID), text)
			if err != nil {
				n.log.WithError(err).WithField("chat_id", chatID).
					Error("failed to send telegram message")
			}
		}
	}
}
