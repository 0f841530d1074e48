package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/apex/log"

	"github.com/m-lab/livespeed-server/cmd/livespeed-client/client"
)

var hostname = flag.String("hostname", "localhost", "Host to connect to")
var port = flag.String("port", "8080", "Port to connect to")
var secure = flag.Bool("secure", false, "Use https and wss")
var skipTLSVerify = flag.Bool("skip-tls-verify", false, "Skip TLS verify")
var uploadSize = flag.Int("upload-size", 10_000_000, "Size of the uploaded file in bytes")

func main() {
	flag.Parse()
	clnt := client.Client{UploadSize: *uploadSize}
	clnt.URL.Scheme = "http"
	if *secure {
		clnt.URL.Scheme = "https"
	}
	clnt.URL.Host = *hostname + ":" + *port
	if *skipTLSVerify {
		config := tls.Config{InsecureSkipVerify: true}
		clnt.Dialer.TLSClientConfig = &config
		clnt.HTTP = &http.Client{Transport: &http.Transport{TLSClientConfig: &config}}
	}
	result, err := clnt.Download()
	if err != nil {
		log.WithError(err).Warn("clnt.Download() failed")
		os.Exit(1)
	}
	result, err = clnt.Upload(result)
	if err != nil {
		log.WithError(err).Warn("clnt.Upload() failed")
		os.Exit(1)
	}
	fmt.Printf("download %s, upload %s, latency %s\n", result.Download, result.Upload, result.Latency)
}
