// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	badgerstore "github.com/AleutianAI/cognition/storage/badger"
)

func runDeadLetters(cmd *cobra.Command, args []string) error {
	dbCfg := badgerstore.DefaultConfig()
	dbCfg.Path = dataDir
	db, err := badgerstore.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	store, err := badgerstore.NewStore(db)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	entities, err := store.ListEntities(ctx)
	if err != nil {
		return err
	}
	messages, err := store.ListMessages(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	fmt.Printf("unclassifiable entities: %d\n", len(entities))
	for _, entry := range entities {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}

	fmt.Printf("undeliverable events: %d\n", len(messages))
	for _, msg := range messages {
		if err := enc.Encode(msg); err != nil {
			return err
		}
	}
	return nil
}
