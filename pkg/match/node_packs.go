package match

import "strings"

var (
	npms = []string{"pug", "axios", "typescript", "mongodb", "lodash", "Mongoose", "redux",
		"jest", "qs", "rxjs", "fs-extra", "ua-parser-js", "koa", "express", "d3", "http-proxy",
		"Fastify", "socket.io", "dotenv", "async", "mssql", "cross-env", "redis", "nedb", "fusion"}

	// Names published in the 2017 npm typosquatting campaign.
	maliciousNpms = map[string]string{
		"crossenv":       "cross-env",
		"cross-env.js":   "cross-env",
		"d3.js":          "d3",
		"fabric-js":      "fabric",
		"ffmepg":         "ffmpeg",
		"gruntcli":       "grunt-cli",
		"http-proxy.js":  "http-proxy",
		"jquery.js":      "jquery",
		"mongose":        "mongoose",
		"mssql.js":       "mssql",
		"mssql-node":     "mssql",
		"mysqljs":        "mysql",
		"nodemailer-js":  "nodemailer",
		"nodemailer.js":  "nodemailer",
		"noderequest":    "request",
		"nodesass":       "node-sass",
		"nodesqlite":     "sqlite3",
		"node-sqlite":    "sqlite3",
		"opencv.js":      "opencv",
		"openssl.js":     "openssl",
		"proxy.js":       "proxy",
		"shadowsock":     "shadowsocks",
		"sqliter":        "sqlite3",
		"sqlserver":      "mssql",
		"discordi.js":    "discord.js",
		"electorn":       "electron",
		"loadyaml":       "js-yaml",
		"babelcli":       "babel-cli",
		"event-streamer": "event-stream",
	}
)

func NpmMatch(pack string) Suspicion {
	return check(strings.ToLower(pack), npms, maliciousNpms)
}
