package timetable

import logging "github.com/ipfs/go-log/v2"

var (
	log         = logging.Logger("timetable")
	logRegistry = logging.Logger("timetable/registry")
	logSched    = logging.Logger("timetable/scheduler")
	logDebounce = logging.Logger("timetable/debounce")
	logEvict    = logging.Logger("timetable/evict")
)
