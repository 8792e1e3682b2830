package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	natsGo "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/dimuls/face-streamer/alerter"
	"github.com/dimuls/face-streamer/camera"
	"github.com/dimuls/face-streamer/nats"
	"github.com/dimuls/face-streamer/recognizer"
	"github.com/dimuls/face-streamer/stream"
	"github.com/dimuls/face-streamer/telegram"
	"github.com/dimuls/face-streamer/window"
)

func main() {
	logrus.SetLevel(logrus.DebugLevel)

	// Парсинг флагов.
	var (
		configPath  string
		galleryPath string
		once        bool
	)

	flag.StringVar(&configPath, "conf", "config.yaml", "config path")
	flag.StringVar(&galleryPath, "gallery", "", "gallery path, overrides config")
	flag.BoolVar(&once, "once", false, "exit when the first session stops")
	flag.Parse()

	// Загрузка конфига.
	config, err := LoadConfig(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	logrus.Info("config loaded")

	if galleryPath != "" {
		config.Gallery = galleryPath
	}

	// Установка CUDA-устройства.
	err = os.Setenv("CUDA_VISIBLE_DEVICES",
		strconv.Itoa(config.Recognizer.CudaDevice))
	if err != nil {
		logrus.WithError(err).Fatal("failed to set cuda device id")
	}

	// Создание распознавателя.
	engine, err := recognizer.New(recognizer.Config{
		DetectorModelPath:   config.Recognizer.DetectorModelPath,
		ShaperModelPath:     config.Recognizer.ShaperModelPath,
		RecognizerModelPath: config.Recognizer.RecognizerModelPath,
		Padding:             config.Recognizer.Padding,
		Jittering:           config.Recognizer.Jittering,
		SimilarFaceDistance: config.Recognizer.SimilarFaceDistance,
		CacheSize:           config.Recognizer.GalleryCacheSize,
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to create recognizer")
	}

	logrus.Info("recognizer created")

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	// Статусы сессии доставляются в основной цикл через канал.
	statuses := make(stream.ChanSink, 64)
	sinks := stream.Sinks{statuses}

	var notifiers []alerter.Notifier

	// Подключение к nats, если он указан в конфиге.
	var natsConn *natsGo.Conn
	if config.NatsURL != "" {
		natsConn, err = natsGo.Connect(config.NatsURL)
		if err != nil {
			logrus.WithError(err).Fatal("failed to connect to nats")
		}

		logrus.Info("connected to nats")

		p := nats.NewPublisher(natsConn, config.Camera.ID)
		sinks = append(sinks, p)
		notifiers = append(notifiers, p)
	}

	// Создаём телеграм бота, если указан токен.
	if config.Telegram.BotToken != "" {
		tg, err := telegram.New(config.Telegram.BotToken, config.Camera.ID,
			config.Telegram.Chats)
		if err != nil {
			logrus.WithError(err).Fatal("failed to create telegram bot")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			tg.Run(ctx)
		}()

		sinks = append(sinks, tg)
		notifiers = append(notifiers, tg)
	}

	// Запуск обработчика кеша активных лиц.
	alerts := alerter.New(config.ActiveFaceDuration, notifiers...)

	wg.Add(1)
	go func() {
		defer wg.Done()
		alerts.Run(ctx, config.ActiveFaceCleanerPeriod)
	}()

	var newPresenter func() (stream.Presenter, error)
	if !config.Window.Headless {
		newPresenter = window.Presenter(config.Window.Title,
			config.Window.Width, config.Window.Height)
	}

	ctrl := stream.NewController(camera.Source{
		URL:    config.Camera.URL,
		Width:  config.Camera.Width,
		Height: config.Camera.Height,
	}, engine, stream.Options{
		DeviceIndex:  config.Camera.DeviceIndex,
		MatchEvery:   config.MatchEvery,
		NewPresenter: newPresenter,
		Status:       sinks,
		Matches:      alerts,
		Log: logrus.WithFields(logrus.Fields{
			"subsystem": "stream",
			"camera_id": config.Camera.ID,
		}),
	})

	// Сразу запускаем сессию, если галерея известна.
	var sessionDone <-chan struct{}
	if config.Gallery != "" {
		handle(ctrl, command{name: "start"}, config.Gallery)
		if once {
			sessionDone = ctrl.Done()
		}
	}

	commands := readCommands(os.Stdin)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logrus.Info("streamer started")

	// Ожидание команд, сигнала завершения или окончания сессии.
loop:
	for {
		select {
		case <-exit:
			logrus.Info("exit signal received, stopping")
			break loop
		case msg := <-statuses:
			logrus.WithField("subsystem", "status").Info(msg)
		case <-sessionDone:
			logrus.Info("session stopped, exiting")
			break loop
		case c, ok := <-commands:
			if !ok {
				// stdin закрыт: дальше ждём только сигнала.
				commands = nil
				continue
			}
			if handle(ctrl, c, config.Gallery) {
				break loop
			}
		}
	}

	// Остановка сессии с гарантированным освобождением камеры.
	stopAndWait(ctrl)

	for len(statuses) > 0 {
		logrus.WithField("subsystem", "status").Info(<-statuses)
	}

	// Остановка обработчиков.
	cancel()

	// Ожидания завершения всех обработчиков.
	wg.Wait()

	if natsConn != nil {
		err = natsConn.Flush()
		if err != nil {
			logrus.WithError(err).Error("failed to flush nats")
		}
		natsConn.Close()
	}

	logrus.Info("everything is stopped, exiting")
}

type command struct {
	name string
	arg  string
}

func parseCommand(line string) (command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, false
	}
	return command{
		name: strings.ToLower(fields[0]),
		arg:  strings.Join(fields[1:], " "),
	}, true
}

// readCommands читает команды управления построчно, пока r не закончится.
func readCommands(r io.Reader) <-chan command {
	commands := make(chan command)

	go func() {
		defer close(commands)

		s := bufio.NewScanner(r)
		for s.Scan() {
			c, ok := parseCommand(s.Text())
			if ok {
				commands <- c
			}
		}
		if err := s.Err(); err != nil {
			logrus.WithError(err).Error("failed to read commands")
		}
	}()

	return commands
}

// handle выполняет команду и сообщает, нужно ли завершить программу.
func handle(ctrl *stream.Controller, c command, defaultGallery string) bool {
	log := logrus.WithField("subsystem", "control")

	switch c.name {
	case "start":
		gallery := c.arg
		if gallery == "" {
			gallery = defaultGallery
		}
		err := ctrl.Start(gallery)
		switch {
		case errors.Is(err, stream.ErrAlreadyRunning):
			log.Warning("stream already running")
		case errors.Is(err, stream.ErrEmptyGallery):
			log.Warning("no gallery given: start <path>")
		case err != nil:
			log.WithError(err).Error("failed to start stream")
		}
	case "stop":
		ctrl.RequestStop()
	case "state":
		s := ctrl.Snapshot()
		log.WithFields(logrus.Fields{
			"session_id": s.ID,
			"state":      s.State.String(),
			"gallery":    s.GalleryPath,
			"frames":     s.Frames,
		}).Info("stream state")
	case "quit", "exit":
		return true
	default:
		log.WithField("command", c.name).
			Warning("unknown command, use start [path], stop, state or quit")
	}

	return false
}

// stopAndWait останавливает сессию и ждёт возврата в idle. Сессия в состоянии
// starting не может быть остановлена, поэтому запрос повторяется.
func stopAndWait(ctrl *stream.Controller) {
	for {
		ctrl.RequestStop()
		select {
		case <-ctrl.Done():
			if ctrl.State() == stream.Idle {
				return
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
}
