package api

import "strings"

// botSignatures are substrings of user agents that identify crawlers,
// monitors, and headless automation. Tracking calls from these are
// rejected before any state is written.
var botSignatures = []string{
	"bot", "crawler", "spider", "slurp",
	"googlebot", "bingbot", "yandex", "baiduspider", "duckduckbot",
	"facebookexternalhit", "twitterbot", "linkedinbot", "slackbot",
	"whatsapp", "telegrambot",
	"headlesschrome", "phantomjs", "selenium", "playwright", "puppeteer",
	"python-requests", "python-urllib", "go-http-client", "curl", "wget",
	"java/", "okhttp", "scrapy", "httpclient",
	"pingdom", "uptimerobot", "statuscake", "site24x7",
	"lighthouse", "pagespeed", "gtmetrix",
}

// IsBot reports whether the user agent looks automated. An empty user
// agent is treated as a bot: every real browser sends one.
func IsBot(userAgent string) bool {
	if strings.TrimSpace(userAgent) == "" {
		return true
	}
	ua := strings.ToLower(userAgent)
	for _, sig := range botSignatures {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}
