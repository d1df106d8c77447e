// Package folio wires the folio document-reading client: a credential
// session persisted to disk, a transport client that renews the credential
// on the first 401, and a page store that fetches, unmasks, decodes and
// caches page images for a reader controller.
//
// Most programs call Open with a Config and use the returned App:
//
//	app, err := folio.Open(ctx, folio.Config{Server: "https://library.example.com/api"})
//	if err != nil {
//		return err
//	}
//	defer app.Close(context.Background())
//	if _, err := app.Client().Login(ctx, email, password); err != nil {
//		return err
//	}
//	ctrl := app.NewReader(surface)
//	if err := ctrl.Mount(ctx, documentID); err != nil {
//		return err
//	}
//
// Telemetry is opt-in: Config.OTLPEndpoint exports traces over OTLP and
// Config.MetricsListen serves Prometheus metrics.
package folio
