package pipeline

import (
    "strconv"
    "strings"
)

// MapCause translates an internal hangup cause to the code an
// originator expects on the wire. The mapping string is a comma
// separated list of in=out pairs; the key -1 acts as a catch-all for
// causes without an exact pair. An empty mapping passes causes through
// unchanged.
func MapCause(mapping string, cause int) int {
    if mapping == "" {
        return cause
    }

    wildcard := 0
    haveWildcard := false

    for _, pair := range strings.Split(mapping, ",") {
        kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
        if len(kv) != 2 {
            continue
        }
        out, err := strconv.Atoi(strings.TrimSpace(kv[1]))
        if err != nil {
            continue
        }

        key := strings.TrimSpace(kv[0])
        if key == "-1" {
            wildcard = out
            haveWildcard = true
            continue
        }
        in, err := strconv.Atoi(key)
        if err != nil {
            continue
        }
        if in == cause {
            return out
        }
    }

    if haveWildcard {
        return wildcard
    }
    return cause
}
