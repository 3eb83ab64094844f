// Command epengined is a small demo binary that wires an Engine to a
// sqlitekv backing store, exercises set/get/delete, and shuts down
// cleanly. It is not a network front-end — that remains an external
// collaborator.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	epengine "github.com/CaptTofu/ep-engine"
	"github.com/CaptTofu/ep-engine/sqlitekv"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	store, err := sqlitekv.Open("epengine-demo.db", 4, log)
	if err != nil {
		log.Fatal().Err(err).Msg("opening sqlitekv store")
	}
	defer store.Close()

	eng, err := epengine.New(
		epengine.WithKVStore(store),
		epengine.WithLogger(log),
		epengine.WithMinDataAge(1),
		epengine.WithTxnSize(100),
		epengine.WithWaitForWarmup(true),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("starting engine")
	}

	conn := eng.TapSubscribe("demo-tap", epengine.TapFlagBackfill, 0)

	it := epengine.NewItem("hello", 0, 0, []byte("world"), 0)
	if _, err := eng.Set(it); err != nil {
		log.Error().Err(err).Msg("set failed")
	}

	if evt, item, ok := eng.TapWalk(conn.Name); ok && evt == epengine.TapMutation {
		fmt.Printf("tap: mutation %s = %s\n", item.Key, item.Value)
	}

	time.Sleep(2 * time.Second) // let the flusher's min-data-age window pass

	gv := eng.Get("hello")
	if gv.Found {
		fmt.Printf("hello = %s\n", gv.Item.Value)
	}

	eng.Del("hello")
	eng.TapUnsubscribe(conn.Name)

	if err := eng.Stop(); err != nil {
		log.Error().Err(err).Msg("shutdown reported dirty entries")
		os.Exit(1)
	}
}
