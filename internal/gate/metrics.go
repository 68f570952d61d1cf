package gate

import "github.com/prometheus/client_golang/prometheus"

var denialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "enc_gate_denials_total",
	Help: "Commands refused by the permission gate, by kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(denialsTotal)
}

func (g *Gate) denied(kind Kind) {
	denialsTotal.WithLabelValues(string(kind)).Inc()
}
