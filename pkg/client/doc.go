// Package client is the WasteLedger Go SDK.
//
// It wraps the ledgerd HTTP API: listing items, driving lifecycle
// transitions and reading provenance timelines.
//
// # Connecting
//
// Every marketplace call needs a user token; timeline reads are public:
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(os.Getenv("WL_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Driving a transition
//
// The actor is the token holder. A rejected transition returns an *APIError
// that matches ErrInvalidTransition or ErrForbidden:
//
//	res, err := c.Transition(ctx, itemID, "approve", nil)
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) && errors.Is(err, client.ErrInvalidTransition) {
//	    fmt.Println(apiErr.CurrentStatus, apiErr.AllowedEvents)
//	}
//
// # Reading a timeline
//
//	chain, _ := c.GetChain(ctx, itemID)
//	for _, r := range chain.Records {
//	    fmt.Println(r.Timestamp, r.Narrative)
//	}
//
//	v, _ := c.VerifyChain(ctx, itemID)
//	if !v.Valid {
//	    fmt.Printf("tampered at record %d: %s\n", *v.BrokenAtIndex, v.Reason)
//	}
package client
