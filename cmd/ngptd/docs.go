package main

// General API documentation for swaggo. Run `swag init -g cmd/ngptd/docs.go`
// to generate docs, then build with -tags=swagger to serve them.
//
// @title           ngptd API
// @version         1.0
// @description     HTTP API for serving byte-level normalized-GPT checkpoints.
//
// @contact.name   ngptd maintainers
// @contact.url    https://github.com/your-org/ngptd
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
