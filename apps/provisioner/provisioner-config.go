package main

import (
	"flag"
	"os"

	"github.com/andrej220/goldenimage/pkg/config"
)

const SERVICENAME = "goldenimage-provisioner"
const CONFIGFILENAME = "provisioner.yaml"

// flags selects where the settings live. Environment variables fill in
// anything not given on the command line.
type flags struct {
	ConfigPath string
	Mongo      config.MongoConfig
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet(SERVICENAME, flag.ContinueOnError)
	fs.StringVar(&f.ConfigPath, "config", envOr("PROVISIONER_CONFIG", CONFIGFILENAME), "settings file")
	fs.StringVar(&f.Mongo.URI, "config-mongo-uri", os.Getenv("PROVISIONER_CONFIG_MONGO_URI"), "read settings from MongoDB instead of a file")
	fs.StringVar(&f.Mongo.DBName, "config-mongo-db", envOr("PROVISIONER_CONFIG_MONGO_DB", "goldenimage"), "settings database")
	fs.StringVar(&f.Mongo.CollName, "config-mongo-coll", envOr("PROVISIONER_CONFIG_MONGO_COLL", "settings"), "settings collection")
	fs.StringVar(&f.Mongo.ID, "config-mongo-id", envOr("PROVISIONER_CONFIG_MONGO_ID", "provisioner"), "settings document id")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
