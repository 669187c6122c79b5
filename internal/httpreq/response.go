package httpreq

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
)

// ServerName is sent in the Server header of every relay response.
const ServerName = "mkv-relay/0.1.0"

// WriteHead writes an HTTP/1.0 status line, the Server header, the given
// name/value header pairs and the blank line that ends the head.
func WriteHead(w io.Writer, status int, header ...string) error {
	if len(header)%2 != 0 {
		return fmt.Errorf("httpreq: odd number of header arguments")
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "HTTP/1.0 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(bw, "Server: %s\r\n", ServerName)
	for i := 0; i < len(header); i += 2 {
		fmt.Fprintf(bw, "%s: %s\r\n", header[i], header[i+1])
	}
	bw.WriteString("\r\n")
	return bw.Flush()
}

// WriteResponse writes a complete response with a text/plain body.
func WriteResponse(w io.Writer, status int, body string) error {
	err := WriteHead(w, status,
		"Content-Type", "text/plain; charset=UTF-8",
		"Content-Length", fmt.Sprint(len(body)),
	)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, body)
	return err
}
