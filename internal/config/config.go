package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode     string        `mapstructure:"mode"`
	Port     int           `mapstructure:"port"`
	LogLevel string        `mapstructure:"log_level"`
	ICEURLs  []string      `mapstructure:"ice_urls"`
	Deepgram Deepgram      `mapstructure:"deepgram"`
	Groq     Groq          `mapstructure:"groq"`
	Agent    Agent         `mapstructure:"agent"`
	Pipeline Pipeline      `mapstructure:"pipeline"`
	IdleTime time.Duration `mapstructure:"idle_timeout"`
}

type Deepgram struct {
	APIKey        string `mapstructure:"api_key"`
	STTModel      string `mapstructure:"stt_model"`
	TTSModel      string `mapstructure:"tts_model"`
	EndpointingMS int    `mapstructure:"endpointing_ms"`
}

type Groq struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type Agent struct {
	SystemPrompt string `mapstructure:"system_prompt"`
	Greeting     string `mapstructure:"greeting"`
	Apology      string `mapstructure:"apology"`
}

type Pipeline struct {
	EdgeCapacity int           `mapstructure:"edge_capacity"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("ice_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("deepgram.stt_model", "nova-2")
	v.SetDefault("deepgram.tts_model", "aura-asteria-en")
	v.SetDefault("deepgram.endpointing_ms", 300)
	v.SetDefault("groq.model", "llama-3.3-70b-versatile")
	v.SetDefault("groq.max_tokens", 512)
	v.SetDefault("groq.temperature", 0.7)
	v.SetDefault("agent.system_prompt",
		"You are Aria, a friendly voice assistant. Keep answers short and conversational; you are speaking out loud.")
	v.SetDefault("agent.greeting", "Hi! I'm Aria. How can I help you today?")
	v.SetDefault("agent.apology", "Sorry, I ran into a problem. Could you say that again?")
	v.SetDefault("pipeline.edge_capacity", 64)
	v.SetDefault("pipeline.call_timeout", "30s")
	v.SetDefault("idle_timeout", "5m")

	// API keys come from the environment, never from the yaml file.
	_ = v.BindEnv("deepgram.api_key", "DEEPGRAM_API_KEY")
	_ = v.BindEnv("groq.api_key", "GROQ_API_KEY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | STT: %s | LLM: %s | TTS: %s\n",
		cfg.Mode, cfg.Port, cfg.Deepgram.STTModel, cfg.Groq.Model, cfg.Deepgram.TTSModel)
	return &cfg, nil
}
