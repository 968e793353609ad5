// Package providers contains the OAuth2 token refresher, the Anthropic
// caller and the catalog that builds both from configuration.
package providers
