package config

import (
	"flag"
	"os"
	"time"

	"github.com/teamvault/teamvault/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-r int      reconcile interval, minutes
//	-w int      reconcile worker count
//	-l int      inline ciphertext limit, bytes
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-r", "-w", "-l", "-u", "-p", "-b", "-g", "-e"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")

	reconcileInterval := fs.Int("r", int(config.ReconcileInterval.Minutes()), "reconcile interval (in minutes)")
	fs.IntVar(&config.ReconcileWorkers, "w", config.ReconcileWorkers, "reconcile worker count")
	fs.IntVar(&config.InlineCiphertextLimit, "l", config.InlineCiphertextLimit, "inline ciphertext limit (bytes)")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 root bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 root region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.ReconcileInterval = time.Duration(*reconcileInterval) * time.Minute
}
