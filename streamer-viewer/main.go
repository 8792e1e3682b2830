// Небольшая программа для ручного наблюдения за стримером. Ничего
// особенного: мы просто получаем статусы и тревоги с соответствующего камере
// канала в nats и выводим их в лог.

package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	natsGo "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/dimuls/face-streamer/nats"
)

func main() {
	var (
		natsURL  string
		cameraID string
	)

	flag.StringVar(&natsURL, "nats-url", "nats://127.0.0.1:4222", "nats server url")
	flag.StringVar(&cameraID, "camera-id", "*", "camera id")

	flag.Parse()

	nc, err := natsGo.Connect(natsURL)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to nats")
	}

	sub, err := nc.SubscribeSync(nats.CameraEventsSubject(cameraID))
	if err != nil {
		logrus.WithError(err).Fatal("failed to nats subscribe to events")
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			msg, err := sub.NextMsgWithContext(ctx)
			if err != nil {
				if !nextMsgRetryable(ctx, err) {
					logrus.WithError(err).Info("events subscription finished")
					return
				}
				continue
			}

			event, err := nats.Decode(msg.Data)
			if err != nil {
				logrus.WithError(err).Error("failed to decode event")
				continue
			}

			logrus.WithFields(logrus.Fields(event)).Info(msg.Subject)
		}
	}()

	// Выходим по сигналу или когда nats закрыл соединение.
	closed := make(chan struct{})
	nc.SetClosedHandler(func(*natsGo.Conn) {
		close(closed)
	})

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-exit:
	case <-closed:
	}

	cancel()
	wg.Wait()

	err = sub.Unsubscribe()
	if err != nil {
		logrus.Info("failed to nats unsubscribe")
	}

	nc.Close()
}

// Можно ли продолжать чтение подписки после ошибки err. После закрытия
// соединения или отмены контекста читать дальше бессмысленно.
func nextMsgRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, natsGo.ErrConnectionClosed),
		errors.Is(err, natsGo.ErrBadSubscription):
		return false
	}
	return true
}
