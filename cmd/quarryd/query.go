// Copyright 2025 The Quarry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/quarryhq/quarry"
	"github.com/quarryhq/quarry/pkg/chat"
)

// QueryCmd streams one answer to stdout.
type QueryCmd struct {
	Text []string `arg:"" help:"The question."`

	Owner      string `help:"Owner id to search under." default:"local"`
	Model      string `help:"Override the configured model."`
	TopK       int    `help:"How many chunks to hand the model." default:"0"`
	NoRAG      bool   `name:"no-rag" help:"Answer without retrieval."`
	Hybrid     bool   `default:"true" negatable:"" help:"Fuse keyword search with vector search."`
	Rerank     bool   `help:"Rerank candidates with the cross-encoder."`
	Expand     bool   `help:"Expand the query into variants before retrieval."`
	Corrective bool   `help:"Grade relevance and re-retrieve when the context is weak."`
	Sources    bool   `help:"Print the retrieved sources before the answer." default:"true" negatable:""`
}

func (c *QueryCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx := context.Background()
	svc, err := quarry.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	stream, err := svc.Answer(ctx, chat.Request{
		OwnerID:           c.Owner,
		UserMessage:       strings.Join(c.Text, " "),
		ModelID:           c.Model,
		TopK:              c.TopK,
		UseRAG:            !c.NoRAG,
		UseHybrid:         c.Hybrid,
		UseReranker:       c.Rerank,
		UseQueryExpansion: c.Expand,
		UseCorrective:     c.Corrective,
	})
	if err != nil {
		return err
	}

	for event := range stream.Events {
		switch event.Type {
		case "sources":
			if !c.Sources {
				continue
			}
			for _, s := range event.Sources {
				fmt.Printf("  [%.2f] %s\n", s.Score, s.DocumentTitle)
			}
			fmt.Println()
		case "token":
			fmt.Print(event.Text)
		case "error":
			fmt.Println()
			return fmt.Errorf("%s", event.Message)
		case "done":
			fmt.Println()
		}
	}
	<-stream.Done()
	return nil
}
