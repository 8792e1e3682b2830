// Файл с загрузчиком конфига. Тут ничего интересного: просто чтение файла
// конфига и парсинг содержимого в Go-структуру.
package main

import (
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v2"
)

type CameraConfig struct {
	ID          string `yaml:"id"`
	DeviceIndex int    `yaml:"device_index"`
	URL         string `yaml:"url"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
}

type WindowConfig struct {
	Headless bool   `yaml:"headless"`
	Title    string `yaml:"title"`
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
}

type RecognizerConfig struct {
	DetectorModelPath   string  `yaml:"detector_model_path"`
	ShaperModelPath     string  `yaml:"shaper_model_path"`
	RecognizerModelPath string  `yaml:"recognizer_model_path"`
	Padding             float64 `yaml:"padding"`
	Jittering           int     `yaml:"jittering"`
	CudaDevice          int     `yaml:"cuda_device"`
	SimilarFaceDistance float64 `yaml:"similar_face_distance"`
	GalleryCacheSize    int     `yaml:"gallery_cache_size"`
}

type TelegramConfig struct {
	BotToken string  `yaml:"bot_token"`
	Chats    []int64 `yaml:"chats"`
}

type Config struct {
	configYAML
	ActiveFaceDuration      time.Duration
	ActiveFaceCleanerPeriod time.Duration
}

type configYAML struct {
	Gallery                 string           `yaml:"gallery"`
	MatchEvery              int              `yaml:"match_every"`
	Camera                  CameraConfig     `yaml:"camera"`
	Window                  WindowConfig     `yaml:"window"`
	Recognizer              RecognizerConfig `yaml:"recognizer"`
	NatsURL                 string           `yaml:"nats_url"`
	Telegram                TelegramConfig   `yaml:"telegram"`
	ActiveFaceDuration      string           `yaml:"active_face_duration"`
	ActiveFaceCleanerPeriod string           `yaml:"active_face_cleaner_period"`
}

func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var cYAML configYAML

	err := unmarshal(&cYAML)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	c.configYAML = cYAML

	c.ActiveFaceDuration, err = parseDuration(cYAML.ActiveFaceDuration)
	if err != nil {
		return fmt.Errorf("parse active face duration: %w", err)
	}

	c.ActiveFaceCleanerPeriod, err = parseDuration(cYAML.ActiveFaceCleanerPeriod)
	if err != nil {
		return fmt.Errorf("parse active face cleaner period: %w", err)
	}

	return nil
}

// Пустая строка означает значение по умолчанию.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func LoadConfig(configPath string) (Config, error) {
	configYAML, err := ioutil.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	config, err := ParseConfig(configYAML)
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

func ParseConfig(configYAML []byte) (Config, error) {
	var config Config

	err := yaml.Unmarshal(configYAML, &config)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	config.setDefaults()

	return config, nil
}

func (c *Config) setDefaults() {
	if c.Camera.ID == "" {
		c.Camera.ID = "default"
	}

	if c.Window.Title == "" {
		c.Window.Title = "Real-time Face Recognition"
	}

	if c.Window.Width == 0 && c.Window.Height == 0 {
		c.Window.Width, c.Window.Height = 800, 600
	}

	// По умолчанию лицо считается активным минуту.
	if c.ActiveFaceDuration <= 0 {
		c.ActiveFaceDuration = time.Minute
	}

	if c.ActiveFaceCleanerPeriod <= 0 {
		c.ActiveFaceCleanerPeriod = time.Minute
	}
}
