// coremember runs one core member.
package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/neo4j/neo4j-sub208/config"
	"github.com/neo4j/neo4j-sub208/member"
	"github.com/neo4j/neo4j-sub208/pkg/logutil"
	"github.com/neo4j/neo4j-sub208/pkg/osutil"
)

var logger = logutil.NewPackageLogger("coremember")

type flags struct {
	configPath   string
	id           string
	dataDir      string
	listen       string
	advertiseURL string
	members      string
	clusterID    uint64
	logLevel     string
	jsonLog      bool
}

func parseFlags(fs *flag.FlagSet, args []string) (flags, error) {
	var f flags
	fs.StringVar(&f.configPath, "config", "", "path to the YAML configuration file")
	fs.StringVar(&f.id, "id", "", "member id (UUID), overrides member.id")
	fs.StringVar(&f.dataDir, "data-dir", "", "overrides member.data_dir")
	fs.StringVar(&f.listen, "listen", "", "overrides member.listen_address")
	fs.StringVar(&f.advertiseURL, "advertise-url", "", "overrides member.advertise_url")
	fs.StringVar(&f.members, "members", "", "initial members as comma separated id=url pairs, overrides cluster.members")
	fs.Uint64Var(&f.clusterID, "cluster-id", 0, "overrides cluster.cluster_id")
	fs.StringVar(&f.logLevel, "log-level", "", "overrides log.level")
	fs.BoolVar(&f.jsonLog, "log-json", false, "log in JSON")
	return f, fs.Parse(args)
}

// loadConfig reads the configuration file, if any, applies the flag
// overrides and validates the result.
func loadConfig(f flags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Read(f.configPath); err != nil {
			return config.Config{}, err
		}
	}

	if f.id != "" {
		cfg.Member.ID = f.id
	}
	if f.dataDir != "" {
		cfg.Member.DataDir = f.dataDir
	}
	if f.listen != "" {
		cfg.Member.ListenAddress = f.listen
	}
	if f.advertiseURL != "" {
		cfg.Member.AdvertiseURL = f.advertiseURL
	}
	if f.members != "" {
		ms, err := config.ParseMembers(f.members)
		if err != nil {
			return config.Config{}, fmt.Errorf("--members: %w", err)
		}
		cfg.Cluster.Members = ms
	}
	if f.clusterID != 0 {
		cfg.Cluster.ClusterID = f.clusterID
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	f, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	lvl, _ := logutil.ParseLevel(cfg.Log.Level)
	logutil.SetLevel(lvl)
	if f.jsonLog {
		logutil.SetFormatter(&logrus.JSONFormatter{})
	}

	m, err := member.New(cfg)
	if err != nil {
		logger.Fatalf("failed to create member (%v)", err)
	}
	if err := m.Start(); err != nil {
		logger.Fatalf("failed to start member (%v)", err)
	}

	osutil.RegisterInterruptHandler(m.Stop)
	<-osutil.HandleInterrupts(syscall.SIGINT, syscall.SIGTERM)
	logger.Infof("member %s stopped", m.ID())
}
