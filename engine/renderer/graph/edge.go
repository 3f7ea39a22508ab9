package graph

import "fmt"

/**
 * @brief Connects an output of one pass to an input of another. With both
 * resource names empty the edge only orders Producer before Consumer.
 */
type Edge struct {
	Producer       string
	ProducerOutput string
	Consumer       string
	ConsumerInput  string
}

// OrderingOnly reports whether the edge carries no resource.
func (e Edge) OrderingOnly() bool {
	return e.ProducerOutput == "" && e.ConsumerInput == ""
}

func (e Edge) String() string {
	if e.OrderingOnly() {
		return fmt.Sprintf("%s -> %s", e.Producer, e.Consumer)
	}
	return fmt.Sprintf("%s.%s -> %s.%s", e.Producer, e.ProducerOutput, e.Consumer, e.ConsumerInput)
}
