//go:generate go run github.com/swaggo/swag/v2/cmd/swag@v2.0.0-rc4 init --parseInternal --outputTypes json -g openapi.go -o .
package internal

// @title         hardbound api
// @version       1.0
// @description   A book-metadata gateway that merges Google Books, OpenLibrary, and ISBNdb behind a tiered cache, with AI-assisted bookshelf scanning and CSV import.
//
// @contact.url   https://github.com/hardboundapp/hardbound
//
// @license.name  MIT
// @license.url   https://opensource.org/license/mit
