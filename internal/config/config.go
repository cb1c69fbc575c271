package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

type Server struct {
	Port string `mapstructure:"port"`
}

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

func (d Database) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type Webhook struct {
	// Secret enables HMAC verification of X-Cal-Signature-256 when non-empty.
	Secret string `mapstructure:"secret"`
}

type Directory struct {
	URL       string `mapstructure:"url"`
	TimeoutMs int    `mapstructure:"timeout-ms"`
}

type Vapi struct {
	CallURL       string `mapstructure:"call-url"`
	APIKey        string `mapstructure:"api-key"`
	AssistantID   string `mapstructure:"assistant-id"`
	PhoneNumberID string `mapstructure:"phone-number-id"`
	TimeoutMs     int    `mapstructure:"timeout-ms"`
}

type Dispatcher struct {
	IntervalMs int    `mapstructure:"interval-ms"`
	LockName   string `mapstructure:"lock-name"`
	FetchSize  int    `mapstructure:"fetch-size"`
}

type Reminder struct {
	DefaultLeadMinutes int `mapstructure:"default-lead-minutes"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
	Webhook    Webhook    `mapstructure:"webhook"`
	Directory  Directory  `mapstructure:"directory"`
	Vapi       Vapi       `mapstructure:"vapi"`
	Dispatcher Dispatcher `mapstructure:"dispatcher"`
	Reminder   Reminder   `mapstructure:"reminder"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Logs       Logs       `mapstructure:"logs"`
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// secrets come from the environment, not the yaml file
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("vapi.api-key", "VAPI_API_KEY")
	viper.BindEnv("webhook.secret", "CAL_WEBHOOK_SECRET")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}
