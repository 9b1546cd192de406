// Package main provides the olx-scraper command line tool.
//
// Usage:
//
//	olx-scraper extract <search-url>
//	olx-scraper export [file]
//	olx-scraper credentials set --email <email>
package main

func main() {
	Execute()
}
