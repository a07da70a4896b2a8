// Package config loads livestate.json or livestate.yaml for the CLI and turns
// it into the configs of the server, upload and client packages.
//
// # Configuration File Structure
//
//	server:
//	  address: ":8080"
//	  path: /ws
//	  snapshotKey: change-me        # or LIVESTATE_SNAPSHOT_KEY
//	  snapshotMaxAge: 1h
//	  detachGrace: 2m
//	upload:
//	  dir: ./uploads                # or s3.bucket
//	  maxFileSize: 524288000
//	  allowedTypes: ["image/*", "application/pdf"]
//	client:
//	  url: ws://localhost:8080/ws
//	  reconnectInterval: 3s
//	  maxReconnectAttempts: 10
//	  snapshotDb: ./snapshots.db
//	log:
//	  level: info
//	  format: text
//
// Durations are strings accepted by time.ParseDuration. Fields missing from
// the file keep their defaults.
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	srv, err := server.New(cfg.ServerConfig(logger), registry)
package config
