// Command publish creates or removes the app.bsky.feed.generator record
// that makes the feed discoverable. Run it once after deploying the
// server (and again whenever the display name or description changes).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		handle      string
		password    string
		pds         string
		serviceDID  string
		feedRKey    string
		displayName string
		description string
		unpublish   bool
	)

	flag.StringVar(&handle, "handle", envOrDefault("BLUESKY_HANDLE", ""), "Bluesky handle (e.g. user.bsky.social)")
	flag.StringVar(&password, "password", envOrDefault("BLUESKY_APP_PASSWORD", ""), "Bluesky app password")
	flag.StringVar(&pds, "pds", envOrDefault("BLUESKY_PDS", "https://bsky.social"), "PDS service URL")
	flag.StringVar(&serviceDID, "service-did", envOrDefault("FEEDGEN_SERVICE_DID", ""), "Feed generator service DID (e.g. did:web:feed.example.com)")
	flag.StringVar(&feedRKey, "rkey", envOrDefault("FEED_RKEY", "clean-following"), "Record key / short name for the feed")
	flag.StringVar(&displayName, "name", "", "Feed display name (max 24 graphemes)")
	flag.StringVar(&description, "description", "", "Feed description (max 300 graphemes)")
	flag.BoolVar(&unpublish, "unpublish", false, "Delete the feed generator record instead of publishing")
	flag.Parse()

	if handle == "" || password == "" {
		return fmt.Errorf("--handle and --password are required (or set BLUESKY_HANDLE and BLUESKY_APP_PASSWORD)")
	}
	if feedRKey == "" {
		return fmt.Errorf("--rkey is required")
	}

	ctx := context.Background()
	client := &xrpc.Client{Host: pds}

	fmt.Printf("Logging in as %s...\n", handle)
	session, err := comatproto.ServerCreateSession(ctx, client, &comatproto.ServerCreateSession_Input{
		Identifier: handle,
		Password:   password,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	client.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Did:        session.Did,
		Handle:     session.Handle,
	}
	fmt.Printf("Authenticated as %s\n", session.Did)

	if unpublish {
		fmt.Printf("Unpublishing feed %q...\n", feedRKey)
		_, err := comatproto.RepoDeleteRecord(ctx, client, &comatproto.RepoDeleteRecord_Input{
			Collection: "app.bsky.feed.generator",
			Repo:       session.Did,
			Rkey:       feedRKey,
		})
		if err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		fmt.Printf("Feed unpublished: at://%s/app.bsky.feed.generator/%s\n", session.Did, feedRKey)
		return nil
	}

	if serviceDID == "" {
		return fmt.Errorf("--service-did is required for publishing (or set FEEDGEN_SERVICE_DID)")
	}
	if displayName == "" {
		return fmt.Errorf("--name is required for publishing")
	}

	record := &appbsky.FeedGenerator{
		LexiconTypeID: "app.bsky.feed.generator",
		Did:           serviceDID,
		DisplayName:   displayName,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if description != "" {
		record.Description = &description
	}

	fmt.Printf("Publishing feed %q...\n", feedRKey)
	out, err := comatproto.RepoPutRecord(ctx, client, &comatproto.RepoPutRecord_Input{
		Collection: "app.bsky.feed.generator",
		Repo:       session.Did,
		Rkey:       feedRKey,
		Record:     &lexutil.LexiconTypeDecoder{Val: record},
	})
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}

	fmt.Printf("Feed published: %s\n", out.Uri)
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
