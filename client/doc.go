// Package client is the Go SDK for the folio library backend.
//
// A Client sends every request with the access token held by its Session.
// When the backend answers 401 the Session renews the token through the
// refresh cookie and the request is re-issued once. Concurrent requests that
// hit an expired token share a single renewal:
//
//	cli, err := client.New("https://library.example.com",
//	    client.WithTokenStore(store),
//	    client.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	defer cli.Close()
//	if _, err := cli.Login(ctx, email, password); err != nil {
//	    return err
//	}
//	doc, err := cli.Document(ctx, "65f0c2")
//	if err != nil {
//	    return err
//	}
//	if !doc.HasAccess {
//	    return errors.New("not entitled")
//	}
//	masked, err := cli.PageBytes(ctx, doc.Document.ID, 1)
//
// Page and preview bytes are returned masked, exactly as sent. Unmasking and
// decoding belong to the page store.
//
// Errors: non-2xx responses are *APIError (see IsForbidden, IsNotFound). A
// failed renewal, or a 401 right after one, matches ErrSessionExpired and
// fires the callbacks registered with Session.OnExpire.
package client
