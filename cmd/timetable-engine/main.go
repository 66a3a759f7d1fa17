package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	timetable "github.com/theoremus-urban-solutions/timetable-engine"
	"github.com/theoremus-urban-solutions/timetable-engine/config"
	"github.com/theoremus-urban-solutions/timetable-engine/metastore"
	"github.com/theoremus-urban-solutions/timetable-engine/provider"
	"github.com/theoremus-urban-solutions/timetable-engine/provider/gtfsrt"
)

func main() {
	mode := flag.String("mode", "oneshot", "oneshot|watch")
	configPath := flag.String("config", "config.yml", "configuration file")
	query := flag.String("query", "", "query, e.g. 'Departures myfeed|stop=1234|count=10'")
	watchFor := flag.Duration("watchFor", time.Minute, "how long to stream updates in watch mode")
	logLevel := flag.String("loglevel", "info", "log level")
	flag.Parse()

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		panic(err)
	}
	if err := config.LoadAppConfig(*configPath); err != nil {
		panic(err)
	}
	if *query == "" {
		panic("a -query is required")
	}

	meta, err := openMetastore(config.Config.Metastore)
	if err != nil {
		panic(err)
	}
	defer meta.Close()

	engineCfg := config.Config.Engine
	opts := &timetable.Options{
		SufficiencyTolerance: time.Duration(engineCfg.SufficiencyToleranceSec) * time.Second,
		SufficiencyRatio:     engineCfg.SufficiencyRatio,
		DefaultCount:         engineCfg.DefaultCount,
		ManualRefreshMinWait: time.Duration(engineCfg.ManualRefreshMinWaitSec) * time.Second,
		MetadataTTL:          time.Duration(engineCfg.MetadataTTLSec) * time.Second,
		DefaultGeoRadius:     engineCfg.DefaultGeoRadiusMeters,
		DebounceFirstWindow:  time.Duration(engineCfg.DebounceFirstMS) * time.Millisecond,
		DebounceResetWindow:  time.Duration(engineCfg.DebounceResetMS) * time.Millisecond,
		GracePeriod:          time.Duration(engineCfg.GracePeriodMS) * time.Millisecond,
		ProviderIdleTTL:      time.Duration(engineCfg.ProviderIdleTimeoutMS) * time.Millisecond,
	}
	if engineCfg.DefaultProvider != "" {
		opts.DefaultProvider = func() string { return engineCfg.DefaultProvider }
	}

	factories := []provider.Factory{gtfsrt.Factory{}}
	engine := timetable.New(factories, config.Config.Definitions(), meta, opts)
	defer engine.Close()

	sub, err := engine.Subscribe(*query)
	if err != nil {
		panic(err)
	}

	switch *mode {
	case "oneshot":
		u := <-sub.Updates()
		printUpdate(u)
	case "watch":
		ctx, cancel := context.WithTimeout(context.Background(), *watchFor)
		defer cancel()
		for {
			select {
			case u := <-sub.Updates():
				printUpdate(u)
			case <-ctx.Done():
				return
			}
		}
	default:
		panic("unknown mode")
	}
}

func openMetastore(cfg config.MetastoreConfig) (metastore.Store, error) {
	if cfg.Path == "" {
		return metastore.NewMemory(), nil
	}
	return metastore.OpenSQLite(context.Background(), cfg.Path)
}

func printUpdate(u timetable.Update) {
	if u.Err != nil {
		fmt.Printf("error for %q: %v\n", u.Request, u.Err)
		return
	}
	buf, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(buf))
}
