package alert

var TruncateToMaxBytes = truncateToMaxBytes
