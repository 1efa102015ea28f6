// Package oauth provides an embeddable OAuth 2.0 authorization server.
//
// The package wires the core server (authorization code with PKCE, client
// credentials, refresh token rotation, and optional password grants) to an
// HTTP surface covering the authorization, token, introspection (RFC 7662),
// revocation (RFC 7009), dynamic client registration (RFC 7591), and server
// metadata (RFC 8414) endpoints.
//
// A minimal setup:
//
//	store := memory.New()
//	codec, err := token.NewCodec(signingKey, "https://auth.example.com")
//	if err != nil {
//		return err
//	}
//	srv, err := server.New(codec, store, store, store, &server.Config{
//		Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//		return err
//	}
//	handler := oauth.NewHandler(srv, logger)
//	handler.SetUserResolver(resolveSessionUser)
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
//
// Token state lives behind the storage interfaces; the memory backend suits
// a single process and the valkey backend provides shared state across
// replicas with atomic code consumption and refresh rotation.
package oauth
