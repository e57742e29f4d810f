// Package config loads server settings from a file and TIDEBOOK_*
// environment variables.
package config

import "github.com/spf13/viper"

type Config struct {
	DataDir      string   `mapstructure:"data_dir"`
	Brokers      []string `mapstructure:"brokers"`
	OrdersTopic  string   `mapstructure:"orders_topic"`
	EventsTopic  string   `mapstructure:"events_topic"`
	ResultsTopic string   `mapstructure:"results_topic"`
	Group        string   `mapstructure:"group"`
	SweepMillis  int      `mapstructure:"sweep_millis"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("data_dir", "./data")
	v.SetDefault("brokers", []string{"localhost:9092"})
	v.SetDefault("orders_topic", "tidebook.orders")
	v.SetDefault("events_topic", "tidebook.events")
	v.SetDefault("results_topic", "tidebook.results")
	v.SetDefault("group", "tidebook-engine")
	v.SetDefault("sweep_millis", 250)
	v.SetEnvPrefix("TIDEBOOK")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
