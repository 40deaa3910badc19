// webhooksink is a local webhook receiver for testing merchant delivery.
// It prints every event it receives and, when a secret is given, verifies
// the X-Signature header the way a merchant endpoint should.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ZecPay/facilitator/internal/webhooks"
)

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	secret := flag.String("secret", "", "webhook secret to verify signatures with (empty skips verification)")
	tolerance := flag.Duration("tolerance", 5*time.Minute, "accepted X-Timestamp age")
	fail := flag.Bool("fail", false, "respond 500 to every delivery, to exercise retries")
	flag.Parse()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		eventType := r.Header.Get("X-Event-Type")
		verdict := "unverified"
		if *secret != "" {
			timestamp, err := strconv.ParseInt(r.Header.Get("X-Timestamp"), 10, 64)
			if err != nil {
				verdict = "bad timestamp"
			} else if err := webhooks.VerifySignature(*secret, r.Header.Get("X-Signature"), timestamp, body, time.Now(), *tolerance); err != nil {
				verdict = fmt.Sprintf("INVALID: %v", err)
			} else {
				verdict = "valid"
			}
		}

		log.Printf("event=%s delivery=%s signature=%s\n%s", eventType, r.Header.Get("X-Delivery-Id"), verdict, body)

		if *fail {
			http.Error(w, "synthetic failure", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("webhook sink listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}
