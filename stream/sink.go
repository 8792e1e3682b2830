package stream

import "sync"

// Функция как получатель статусов.
type StatusFunc func(msg string)

func (f StatusFunc) Status(msg string) { f(msg) }

// Доставка статусов через канал. Пока канал полон, сообщения отбрасываются:
// рабочая горутина никогда не ждёт медленного читателя.
type ChanSink chan string

func (c ChanSink) Status(msg string) {
	// Неблокирующая отправка.
	select {
	case c <- msg:
	default:
	}
}

// Рассылка сообщения всем получателям по порядку.
type Sinks []StatusSink

func (ss Sinks) Status(msg string) {
	for _, s := range ss {
		s.Status(msg)
	}
}

// Запоминает все полученные статусы.
type Recorder struct {
	mx   sync.Mutex
	msgs []string
}

func (r *Recorder) Status(msg string) {
	r.mx.Lock()
	r.msgs = append(r.msgs, msg)
	r.mx.Unlock()
}

// Копия полученных сообщений.
func (r *Recorder) Messages() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.msgs...)
}
