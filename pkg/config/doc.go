// Package config loads env-tagged configuration structs, optionally
// seeding the environment from a .env file in development.
//
//	var cfg pg.Config
//	config.MustLoad(&cfg)
package config
